package models

import (
	"fmt"
	"math"
)

// Vec3 is a point or offset in one of the three coordinate frames used by the
// pipeline: voxel indices, subject physical space (RAS, mm) or reference space
// (MNI152, RAS, mm). The frame is never stored with the value; callers track it.
type Vec3 [3]float64

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Negate flips the sign of the given axes (0, 1 or 2) and leaves the others untouched.
func (v Vec3) Negate(axes ...int) Vec3 {
	out := v
	for _, a := range axes {
		out[a] = -out[a]
	}
	return out
}

// Norm is the euclidean length of v
func (v Vec3) Norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Round rounds every component to the given number of decimals.
func (v Vec3) Round(decimals int) Vec3 {
	p := math.Pow(10, float64(decimals))
	return Vec3{
		math.Round(v[0]*p) / p,
		math.Round(v[1]*p) / p,
		math.Round(v[2]*p) / p,
	}
}

// ApproxEqual reports whether every component differs by at most tol.
func (v Vec3) ApproxEqual(o Vec3, tol float64) bool {
	for i := 0; i < 3; i++ {
		if math.Abs(v[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v[0], v[1], v[2])
}

// SavedPoint is a labelled voxel coordinate kept for bulk export.
// Saved points are compared by pointer identity, so two points with the same
// coordinates and different labels are independent entries.
type SavedPoint struct {
	// ID is a stable identifier used in report file names
	ID string

	// Voxel is the coordinate in the voxel grid of the image it was saved on
	Voxel Vec3

	// Label is the user supplied name of the point
	Label string
}
