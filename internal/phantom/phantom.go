// Package phantom generates synthetic HR volumes and the slice stacks an
// acquisition of them would produce.
package phantom

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
	"mrisrr/pkg/operator"
	"mrisrr/pkg/psf"
)

// ErrInvalidStack is returned for malformed stack descriptions.
var ErrInvalidStack = errors.New("invalid stack description")

// Blob is an isotropic Gaussian intensity bump.
type Blob struct {
	// Center in physical coordinates (mm)
	Center [3]float64

	// Sigma is the standard deviation in mm
	Sigma float64

	Amplitude float64
}

// CubeGeometry returns an axis-aligned cube of n voxels per side with
// isotropic spacing and its origin at the physical origin.
func CubeGeometry(n int, spacing float64) models.Geometry {
	return models.Geometry{
		Size:      [3]int{n, n, n},
		Spacing:   [3]float64{spacing, spacing, spacing},
		Direction: models.IdentityDirection(),
	}
}

// Center returns the physical centre of the grid.
func Center(g models.Geometry) [3]float64 {
	return g.PhysicalPoint([3]float64{
		float64(g.Size[0]-1) / 2,
		float64(g.Size[1]-1) / 2,
		float64(g.Size[2]-1) / 2,
	})
}

// DefaultBlobs places a large bright blob at the centre of g and a smaller
// dimmer one off-centre. Both scale with the grid extent.
func DefaultBlobs(g models.Geometry) []Blob {
	c := Center(g)
	extent := math.Min(float64(g.Size[0])*g.Spacing[0],
		math.Min(float64(g.Size[1])*g.Spacing[1], float64(g.Size[2])*g.Spacing[2]))
	return []Blob{
		{Center: c, Sigma: extent / 8, Amplitude: 100},
		{
			Center:    [3]float64{c[0] + extent/8, c[1] - 3*extent/32, c[2] + extent/16},
			Sigma:     extent / 16,
			Amplitude: 60,
		},
	}
}

// Volume renders the blobs on g.
func Volume(g models.Geometry, blobs []Blob) (*models.Image, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	im := models.NewImage(g)
	for idx := range im.Data {
		x, y, z := g.Coords(idx)
		p := g.PhysicalPoint([3]float64{float64(x), float64(y), float64(z)})
		v := 0.0
		for _, b := range blobs {
			d2 := 0.0
			for a := 0; a < 3; a++ {
				d := p[a] - b.Center[a]
				d2 += d * d
			}
			v += b.Amplitude * math.Exp(-d2/(2*b.Sigma*b.Sigma))
		}
		im.Data[idx] = v
	}
	return im, nil
}

// Orientation names the volume axis a stack is stacked along.
type Orientation int

const (
	// Axial slices are normal to z.
	Axial Orientation = iota
	// Coronal slices are normal to y.
	Coronal
	// Sagittal slices are normal to x.
	Sagittal
)

func (o Orientation) String() string {
	switch o {
	case Axial:
		return "axial"
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	}
	return fmt.Sprintf("Orientation(%d)", int(o))
}

// direction returns the row-major direction matrix whose columns are the
// slice x, y and normal axes in volume coordinates.
func (o Orientation) direction() [9]float64 {
	switch o {
	case Coronal:
		return [9]float64{
			1, 0, 0,
			0, 0, 1,
			0, 1, 0,
		}
	case Sagittal:
		return [9]float64{
			0, 0, 1,
			1, 0, 0,
			0, 1, 0,
		}
	}
	return models.IdentityDirection()
}

// StackSpec describes an acquisition of parallel slices centred on the
// volume.
type StackSpec struct {
	Orientation Orientation
	Slices      int

	// Size is the in-plane slice size in voxels
	Size [2]int

	InPlaneSpacing float64

	// Thickness is both the slice spacing and the slice thickness
	Thickness float64
}

// OrthogonalSpecs returns n stacks with identical parameters, taking the
// orientations axial, coronal and sagittal in turn.
func OrthogonalSpecs(n, slices, size int, inPlane, thickness float64) []StackSpec {
	specs := make([]StackSpec, n)
	for i := range specs {
		specs[i] = StackSpec{
			Orientation:    Orientation(i % 3),
			Slices:         slices,
			Size:           [2]int{size, size},
			InPlaneSpacing: inPlane,
			Thickness:      thickness,
		}
	}
	return specs
}

// SliceGeometries returns the grids of the slices of spec, ordered along
// the stack normal and centred on the volume centre.
func SliceGeometries(spec StackSpec, volume models.Geometry) ([]models.Geometry, error) {
	if spec.Slices <= 0 || spec.Size[0] <= 0 || spec.Size[1] <= 0 {
		return nil, fmt.Errorf("%w: %d slices of %dx%d", ErrInvalidStack, spec.Slices, spec.Size[0], spec.Size[1])
	}
	if !(spec.InPlaneSpacing > 0) || !(spec.Thickness > 0) {
		return nil, fmt.Errorf("%w: spacing %g x %g", ErrInvalidStack, spec.InPlaneSpacing, spec.Thickness)
	}

	c := Center(volume)
	dir := spec.Orientation.direction()
	dm := mat.NewDense(3, 3, dir[:])
	geoms := make([]models.Geometry, spec.Slices)
	for k := range geoms {
		// Offsets of pixel (0,0) from the centre along the slice axes.
		local := [3]float64{
			-float64(spec.Size[0]-1) / 2 * spec.InPlaneSpacing,
			-float64(spec.Size[1]-1) / 2 * spec.InPlaneSpacing,
			(float64(k) - float64(spec.Slices-1)/2) * spec.Thickness,
		}
		var origin [3]float64
		for r := 0; r < 3; r++ {
			origin[r] = c[r]
			for a := 0; a < 3; a++ {
				origin[r] += dm.At(r, a) * local[a]
			}
		}
		geoms[k] = models.Geometry{
			Size:      [3]int{spec.Size[0], spec.Size[1], 1},
			Spacing:   [3]float64{spec.InPlaneSpacing, spec.InPlaneSpacing, spec.Thickness},
			Origin:    origin,
			Direction: dir,
		}
	}
	return geoms, nil
}

// Options configures Simulate.
type Options struct {
	Mode                 psf.Mode
	PredefinedCovariance *mat.SymDense
	AlphaCut             float64

	// NoiseSigma is the standard deviation of additive Gaussian noise
	NoiseSigma float64
	Seed       int64

	Workers int
	Logger  *slog.Logger
}

// Simulate acquires the stacks described by specs from truth using the
// same blurred resampling model the reconstruction inverts. Masks select
// every voxel.
func Simulate(truth *models.Image, specs []StackSpec, opts Options) ([]*models.Stack, error) {
	if err := truth.Validate(); err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}
	stacks := make([]*models.Stack, 0, len(specs))
	for i, spec := range specs {
		geoms, err := SliceGeometries(spec, truth.Geometry)
		if err != nil {
			return nil, fmt.Errorf("stack %d: %w", i, err)
		}
		st := &models.Stack{Name: fmt.Sprintf("%s%d", spec.Orientation, i)}
		for k, g := range geoms {
			sl, err := models.NewSlice(models.NewImage(g), nil, k)
			if err != nil {
				return nil, fmt.Errorf("stack %d: %w", i, err)
			}
			st.Slices = append(st.Slices, sl)
		}
		stacks = append(stacks, st)
	}

	op, err := operator.New(stacks, truth.Geometry, operator.Options{
		Mode:                 opts.Mode,
		PredefinedCovariance: opts.PredefinedCovariance,
		AlphaCut:             opts.AlphaCut,
		Workers:              opts.Workers,
		Logger:               opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	layout := op.Layout()
	for k := 0; k < layout.Len(); k++ {
		b := layout.Block(k)
		y, err := op.ForwardSlice(truth, k)
		if err != nil {
			return nil, err
		}
		dst := stacks[b.Stack].Slices[b.Slice].Image.Data
		copy(dst, y.Data)
		if opts.NoiseSigma > 0 {
			for i := range dst {
				dst[i] += opts.NoiseSigma * rng.NormFloat64()
			}
		}
	}
	return stacks, nil
}
