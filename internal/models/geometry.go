package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidGeometry is returned when a sampling grid cannot describe a valid image.
var ErrInvalidGeometry = errors.New("invalid geometry")

// directionTolerance is the smallest |det| accepted for a direction matrix.
const directionTolerance = 1e-9

// Geometry describes the sampling grid of an image in physical space.
//
// Voxel (i, j, k) sits at Origin + Direction * diag(Spacing) * (i, j, k).
// Size, Spacing and Origin are given in x, y, z order. Direction is stored
// row-major with the image axes as its columns, which is the convention
// used by DICOM and NIfTI readers.
type Geometry struct {
	Size      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64
}

// IdentityDirection returns an axis-aligned direction matrix.
func IdentityDirection() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NumVoxels returns the number of voxels on the grid.
func (g Geometry) NumVoxels() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// Shape returns the grid size in reverse axis order (z, y, x). This is the
// shape of the flat raster when read as a row-major 3D array.
func (g Geometry) Shape() [3]int {
	return [3]int{g.Size[2], g.Size[1], g.Size[0]}
}

// Index returns the raster position of voxel (x, y, z). x varies fastest.
func (g Geometry) Index(x, y, z int) int {
	return x + g.Size[0]*(y+g.Size[1]*z)
}

// Coords is the inverse of Index.
func (g Geometry) Coords(idx int) (x, y, z int) {
	plane := g.Size[0] * g.Size[1]
	z = idx / plane
	rem := idx - z*plane
	y = rem / g.Size[0]
	x = rem - y*g.Size[0]
	return x, y, z
}

// Validate checks that the grid is non-empty, has positive finite spacing
// and an invertible direction matrix.
func (g Geometry) Validate() error {
	for a := 0; a < 3; a++ {
		if g.Size[a] <= 0 {
			return fmt.Errorf("%w: size %v has a non-positive axis", ErrInvalidGeometry, g.Size)
		}
		s := g.Spacing[a]
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: spacing %v must be positive and finite", ErrInvalidGeometry, g.Spacing)
		}
		if math.IsNaN(g.Origin[a]) || math.IsInf(g.Origin[a], 0) {
			return fmt.Errorf("%w: origin %v is not finite", ErrInvalidGeometry, g.Origin)
		}
	}
	det := mat.Det(g.DirectionMatrix())
	if math.IsNaN(det) || math.Abs(det) < directionTolerance {
		return fmt.Errorf("%w: direction matrix is singular (det=%g)", ErrInvalidGeometry, det)
	}
	return nil
}

// DirectionMatrix returns Direction as a 3x3 matrix.
func (g Geometry) DirectionMatrix() *mat.Dense {
	d := g.Direction
	return mat.NewDense(3, 3, d[:])
}

// IndexToPhysical returns the affine map (M, t) with p = M*idx + t.
func (g Geometry) IndexToPhysical() (*mat.Dense, [3]float64) {
	var m mat.Dense
	m.Mul(g.DirectionMatrix(), mat.NewDiagDense(3, g.Spacing[:]))
	return &m, g.Origin
}

// PhysicalToIndex returns the affine map (M, t) with idx = M*p + t, where idx
// is a continuous index. The geometry must be valid.
func (g Geometry) PhysicalToIndex() (*mat.Dense, [3]float64, error) {
	fwd, origin := g.IndexToPhysical()
	var inv mat.Dense
	if err := inv.Inverse(fwd); err != nil {
		return nil, [3]float64{}, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	var t [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t[r] -= inv.At(r, c) * origin[c]
		}
	}
	return &inv, t, nil
}

// PhysicalPoint maps a continuous index to physical space.
func (g Geometry) PhysicalPoint(idx [3]float64) [3]float64 {
	m, t := g.IndexToPhysical()
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = t[r]
		for c := 0; c < 3; c++ {
			p[r] += m.At(r, c) * idx[c]
		}
	}
	return p
}

// SameGrid reports whether both geometries describe the same sampling grid.
func (g Geometry) SameGrid(o Geometry) bool {
	const tol = 1e-9
	if g.Size != o.Size {
		return false
	}
	for a := 0; a < 3; a++ {
		if math.Abs(g.Spacing[a]-o.Spacing[a]) > tol || math.Abs(g.Origin[a]-o.Origin[a]) > tol {
			return false
		}
	}
	for i := range g.Direction {
		if math.Abs(g.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}
