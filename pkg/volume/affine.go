package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mriwarp/internal/models"
)

// Affine is a 4x4 homogeneous transform stored row-major. It maps voxel
// indices to physical RAS millimetres when taken from an image.
type Affine [16]float64

// Identity returns the identity transform
func Identity() Affine {
	return Affine{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewAffine builds an affine from the three upper rows (the bottom row is
// always 0 0 0 1), matching the srow_x/y/z layout of a NIfTI header.
func NewAffine(rows [3][4]float64) Affine {
	var a Affine
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a[r*4+c] = rows[r][c]
		}
	}
	a[15] = 1
	return a
}

// At returns the element in row r, column c
func (a Affine) At(r, c int) float64 {
	return a[r*4+c]
}

// Rows returns the three upper rows
func (a Affine) Rows() [3][4]float64 {
	var rows [3][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = a[r*4+c]
		}
	}
	return rows
}

// Dense copies a into a gonum matrix
func (a Affine) Dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, a[:])
	return mat.NewDense(4, 4, data)
}

func fromDense(m mat.Matrix) Affine {
	var a Affine
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r*4+c] = m.At(r, c)
		}
	}
	return a
}

// Mul returns a*b, i.e. b is applied first
func (a Affine) Mul(b Affine) Affine {
	var out mat.Dense
	out.Mul(a.Dense(), b.Dense())
	return fromDense(&out)
}

// Inverse returns the numerical inverse of a. A singular or badly conditioned
// matrix is an error: round trips through such an affine are meaningless.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return Affine{}, fmt.Errorf("affine is ill-conditioned (condition number %g)", float64(cond))
		}
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	return fromDense(&inv), nil
}

// Apply maps p through the affine as a homogeneous point
func (a Affine) Apply(p models.Vec3) models.Vec3 {
	var out mat.VecDense
	out.MulVec(a.Dense(), mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1}))
	return models.Vec3{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Zooms returns the length of each voxel axis in millimetres
func (a Affine) Zooms() [3]float64 {
	var z [3]float64
	for c := 0; c < 3; c++ {
		z[c] = math.Sqrt(a[c]*a[c] + a[4+c]*a[4+c] + a[8+c]*a[8+c])
	}
	return z
}

// Mapper converts between the voxel grid and physical space of one image.
// The inverse is computed once with an explicit matrix inverse so that
// PhysicalToVoxel(VoxelToPhysical(p)) returns p up to floating point error.
type Mapper struct {
	forward Affine
	inverse Affine
}

// NewMapper prepares a mapper for the voxel-to-physical affine a
func NewMapper(a Affine) (Mapper, error) {
	inv, err := a.Inverse()
	if err != nil {
		return Mapper{}, err
	}
	return Mapper{forward: a, inverse: inv}, nil
}

// Affine returns the voxel-to-physical transform
func (m Mapper) Affine() Affine {
	return m.forward
}

// VoxelToPhysical maps a voxel coordinate to physical RAS millimetres
func (m Mapper) VoxelToPhysical(p models.Vec3) models.Vec3 {
	return m.forward.Apply(p)
}

// PhysicalToVoxel maps physical RAS millimetres back to the voxel grid
func (m Mapper) PhysicalToVoxel(p models.Vec3) models.Vec3 {
	return m.inverse.Apply(p)
}

// VoxelToPhysical applies img's affine to a voxel coordinate
func VoxelToPhysical(img *Image, p models.Vec3) models.Vec3 {
	return img.mapper.VoxelToPhysical(p)
}

// PhysicalToVoxel applies the inverse of img's affine to a physical coordinate
func PhysicalToVoxel(img *Image, p models.Vec3) models.Vec3 {
	return img.mapper.PhysicalToVoxel(p)
}
