// Package volume loads NIfTI scans, reorients them to RAS+ and maps points
// between their voxel grid and physical space.
package volume

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"mriwarp/internal/models"
)

// Image is a loaded scan in closest-canonical (RAS+) orientation. It is
// immutable: selecting another input creates a new Image.
type Image struct {
	// Path is the file the image was loaded from
	Path string

	// Name is the file name without the .nii/.nii.gz extension
	Name string

	// Dims is the voxel grid size along the canonical axes
	Dims [3]int

	// Spacing is the voxel size in millimetres along the canonical axes
	Spacing [3]float64

	mapper Mapper

	// raw intensities, x fastest
	raw []float32

	// scale maps raw intensities to 0..255 for display
	scale float64
}

// IsNIfTI reports whether path carries a .nii or .nii.gz extension
func IsNIfTI(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// Name returns the base name of path without the NIfTI extension
func Name(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".nii.gz") {
		return strings.TrimSuffix(base, ".nii.gz")
	}
	if i := strings.Index(base, ".nii"); i >= 0 {
		return base[:i]
	}
	return base
}

// NewImage builds an image from raw voxel data (x fastest) and its
// voxel-to-physical affine. The data is not reoriented.
func NewImage(path string, dims [3]int, affine Affine, data []float32) (*Image, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %v", dims)
	}
	if len(data) != dims[0]*dims[1]*dims[2] {
		return nil, fmt.Errorf("expected %d voxels, got %d", dims[0]*dims[1]*dims[2], len(data))
	}
	mapper, err := NewMapper(affine)
	if err != nil {
		return nil, err
	}

	maxVal := 0.0
	for _, v := range data {
		if f := float64(v); f > maxVal {
			maxVal = f
		}
	}
	scale := 0.0
	if maxVal > 0 {
		scale = 255.0 / maxVal
	}

	return &Image{
		Path:    path,
		Name:    Name(path),
		Dims:    dims,
		Spacing: affine.Zooms(),
		mapper:  mapper,
		raw:     data,
		scale:   scale,
	}, nil
}

// Load reads a NIfTI file, reorients it to the closest canonical orientation
// and normalises intensities for display.
func Load(path string) (*Image, error) {
	h, data, err := ReadVolume(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	cdims, caffine, cdata := Canonicalize(h.Dims(), h.Affine(), data)
	return NewImage(path, cdims, caffine, cdata)
}

// Affine returns the voxel-to-physical transform
func (img *Image) Affine() Affine {
	return img.mapper.Affine()
}

// Mapper returns the coordinate mapper of the image
func (img *Image) Mapper() Mapper {
	return img.mapper
}

// VoxelToPhysical maps a voxel coordinate to physical RAS millimetres
func (img *Image) VoxelToPhysical(p models.Vec3) models.Vec3 {
	return img.mapper.VoxelToPhysical(p)
}

// PhysicalToVoxel maps physical RAS millimetres to the voxel grid
func (img *Image) PhysicalToVoxel(p models.Vec3) models.Vec3 {
	return img.mapper.PhysicalToVoxel(p)
}

// Contains reports whether the voxel coordinate lies inside the grid
func (img *Image) Contains(p models.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < 0 || p[i] > float64(img.Dims[i]-1) {
			return false
		}
	}
	return true
}

// At returns the display intensity (0..255) at integer voxel indices.
// Outside the grid it returns 0.
func (img *Image) At(x, y, z int) float64 {
	return img.Raw(x, y, z) * img.scale
}

// Raw returns the stored intensity at integer voxel indices
func (img *Image) Raw(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= img.Dims[0] || y >= img.Dims[1] || z >= img.Dims[2] {
		return 0
	}
	return float64(img.raw[z*img.Dims[0]*img.Dims[1]+y*img.Dims[0]+x])
}

type axisMap struct {
	src  int
	flip bool
}

// orientation finds, for every world axis, the voxel axis that points most
// closely along it and whether it points the opposite way.
func orientation(a Affine) [3]axisMap {
	type cand struct {
		row, col int
		mag      float64
	}
	cands := make([]cand, 0, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			cands = append(cands, cand{r, c, math.Abs(a.At(r, c))})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].mag > cands[j].mag })

	var out [3]axisMap
	usedRow := [3]bool{}
	usedCol := [3]bool{}
	for _, c := range cands {
		if usedRow[c.row] || usedCol[c.col] {
			continue
		}
		usedRow[c.row], usedCol[c.col] = true, true
		out[c.row] = axisMap{src: c.col, flip: a.At(c.row, c.col) < 0}
	}
	return out
}

// Canonicalize permutes and flips the voxel axes so that axis i increases
// along world axis i (RAS+), returning the new grid size, affine and data.
func Canonicalize(dims [3]int, a Affine, data []float32) ([3]int, Affine, []float32) {
	ornt := orientation(a)

	identity := true
	for i, m := range ornt {
		if m.src != i || m.flip {
			identity = false
		}
	}
	if identity {
		return dims, a, data
	}

	// t maps new voxel indices to old ones
	var t Affine
	var ndims [3]int
	for j, m := range ornt {
		ndims[j] = dims[m.src]
		if m.flip {
			t[m.src*4+j] = -1
			t[m.src*4+3] = float64(dims[m.src] - 1)
		} else {
			t[m.src*4+j] = 1
		}
	}
	t[15] = 1

	out := make([]float32, len(data))
	var old [3]int
	for z := 0; z < ndims[2]; z++ {
		for y := 0; y < ndims[1]; y++ {
			for x := 0; x < ndims[0]; x++ {
				idx := [3]int{x, y, z}
				for j, m := range ornt {
					if m.flip {
						old[m.src] = dims[m.src] - 1 - idx[j]
					} else {
						old[m.src] = idx[j]
					}
				}
				out[z*ndims[0]*ndims[1]+y*ndims[0]+x] = data[old[2]*dims[0]*dims[1]+old[1]*dims[0]+old[0]]
			}
		}
	}
	return ndims, a.Mul(t), out
}
