// Package operator assembles the block forward operator of the slice
// acquisition model, its adjoint and the masked observation vector.
//
// For slices k = 1..K with forward operators A_k and masks M_k, the
// assembled operator maps a flat HR vector x to the stacked vector
// (M_1 A_1 x, ..., M_K A_K x), and the observation is (M_1 y_1, ..., M_K y_K).
package operator

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
	"mrisrr/pkg/psf"
	"mrisrr/pkg/resampling"
)

var (
	// ErrNoStacks is returned when no stacks are supplied.
	ErrNoStacks = errors.New("no stacks supplied")

	// ErrNoSlices is returned for a stack without slices.
	ErrNoSlices = errors.New("stack has no slices")

	// ErrEmptySlice is returned for a slice with zero voxels.
	ErrEmptySlice = errors.New("slice has no voxels")

	// ErrMaskMismatch is returned when a slice mask is not on the slice grid.
	ErrMaskMismatch = errors.New("mask grid differs from slice grid")

	// ErrDimensionMismatch is returned when a vector or image does not fit
	// the operator.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// ForwardModel is the linear acquisition model seen by the solver.
type ForwardModel interface {
	// Forward evaluates MAx for a flat HR vector x.
	Forward(x []float64) ([]float64, error)

	// Adjoint evaluates A^T M z for a stacked slice vector z.
	Adjoint(z []float64) ([]float64, error)

	// Observation returns the masked observation My.
	Observation() ([]float64, error)
}

// Options configures a SliceOperator.
type Options struct {
	// Mode selects the PSF derivation
	Mode psf.Mode

	// PredefinedCovariance is used in psf.Predefined mode
	PredefinedCovariance *mat.SymDense

	// AlphaCut is the kernel cut-off in standard deviations
	AlphaCut float64

	// Workers bounds the number of slices processed concurrently;
	// zero selects runtime.NumCPU()
	Workers int

	// Logger receives diagnostics; nil selects slog.Default()
	Logger *slog.Logger
}

// SliceOperator implements ForwardModel for a set of stacks and an HR grid.
// Stacks are borrowed and must not change while the operator is in use.
type SliceOperator struct {
	volume   models.Geometry
	slices   []*models.Slice
	layout   SliceLayout
	requests []resampling.Request
	workers  int
}

var _ ForwardModel = (*SliceOperator)(nil)

// New validates the stacks against the volume grid and derives one
// resampling request per slice. All precondition failures are reported
// here, before any resampling happens.
func New(stacks []*models.Stack, volume models.Geometry, opts Options) (*SliceOperator, error) {
	layout, err := NewSliceLayout(stacks)
	if err != nil {
		return nil, err
	}
	if err := volume.Validate(); err != nil {
		return nil, fmt.Errorf("HR volume: %w", err)
	}
	if opts.AlphaCut <= 0 {
		opts.AlphaCut = resampling.DefaultCutoff
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	op := &SliceOperator{
		volume:   volume,
		layout:   layout,
		slices:   make([]*models.Slice, 0, layout.Len()),
		requests: make([]resampling.Request, 0, layout.Len()),
		workers:  workers,
	}
	for i, st := range stacks {
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("stack %d: %w", i, err)
		}
	}
	for k := 0; k < layout.Len(); k++ {
		b := layout.Block(k)
		sl := stacks[b.Stack].Slices[b.Slice]
		if err := sl.Image.Validate(); err != nil {
			return nil, fmt.Errorf("stack %d slice %d: %w", b.Stack, b.Slice, err)
		}
		if sl.Mask == nil || !sl.Mask.SameGrid(sl.Image.Geometry) || len(sl.Mask.Data) != len(sl.Image.Data) {
			return nil, fmt.Errorf("%w: stack %d slice %d", ErrMaskMismatch, b.Stack, b.Slice)
		}
		cov, err := psf.Covariance(opts.Mode, sl.Image.Geometry, volume, opts.PredefinedCovariance)
		if err != nil {
			return nil, fmt.Errorf("stack %d slice %d: %w", b.Stack, b.Slice, err)
		}
		op.slices = append(op.slices, sl)
		op.requests = append(op.requests, resampling.Request{
			Covariance: cov,
			Slice:      sl.Image.Geometry,
			Volume:     volume,
			Cutoff:     opts.AlphaCut,
		})
	}

	logger.Debug("assembled slice operator",
		"stacks", len(stacks),
		"slices", layout.Len(),
		"sliceVoxels", humanize.Comma(int64(layout.Total())),
		"volumeVoxels", humanize.Comma(int64(volume.NumVoxels())),
		"mode", opts.Mode.String())
	return op, nil
}

// Layout returns the stacked slice vector layout.
func (op *SliceOperator) Layout() SliceLayout { return op.layout }

// Volume returns the HR grid.
func (op *SliceOperator) Volume() models.Geometry { return op.volume }

// Request returns the resampling request of slice k.
func (op *SliceOperator) Request(k int) resampling.Request { return op.requests[k] }

// ForwardSlice computes A_k x for an HR image. No masking is applied.
func (op *SliceOperator) ForwardSlice(x *models.Image, k int) (*models.Image, error) {
	return resampling.Forward(op.requests[k], x)
}

// AdjointSlice computes A_k^T y for an image on the grid of slice k.
func (op *SliceOperator) AdjointSlice(y *models.Image, k int) (*models.Image, error) {
	return resampling.Adjoint(op.requests[k], y)
}

// MaskSlice computes M_k im for an image on the grid of slice k.
func (op *SliceOperator) MaskSlice(im *models.Image, k int) (*models.Image, error) {
	mask := op.slices[k].Mask
	if len(im.Data) != len(mask.Data) {
		return nil, fmt.Errorf("%w: image of %d voxels, mask of %d", ErrDimensionMismatch, len(im.Data), len(mask.Data))
	}
	out := &models.Image{Geometry: im.Geometry, Data: make([]float64, len(im.Data))}
	for i, m := range mask.Data {
		out.Data[i] = m * im.Data[i]
	}
	return out, nil
}

// Forward evaluates MAx. Slices write disjoint blocks of the result, so
// they are processed concurrently.
func (op *SliceOperator) Forward(x []float64) ([]float64, error) {
	xImg, err := VectorToImage(x, op.volume)
	if err != nil {
		return nil, err
	}
	out := make([]float64, op.layout.Total())

	var g errgroup.Group
	g.SetLimit(op.workers)
	for k := 0; k < op.layout.Len(); k++ {
		k := k
		g.Go(func() error {
			ak, err := op.ForwardSlice(xImg, k)
			if err != nil {
				return fmt.Errorf("forward slice %d: %w", k, err)
			}
			mk, err := op.MaskSlice(ak, k)
			if err != nil {
				return err
			}
			copy(op.layout.Segment(out, k), mk.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Adjoint evaluates A^T M z. Slice contributions overlap in HR space and
// are summed. Each worker owns an accumulator and a fixed, strided share of
// the slices; accumulators are reduced in worker order so the result does
// not depend on scheduling.
func (op *SliceOperator) Adjoint(z []float64) ([]float64, error) {
	if len(z) != op.layout.Total() {
		return nil, fmt.Errorf("%w: vector of length %d, layout expects %d", ErrDimensionMismatch, len(z), op.layout.Total())
	}
	n := op.volume.NumVoxels()
	workers := min(op.workers, op.layout.Len())
	acc := make([][]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		acc[w] = make([]float64, n)
		w := w
		g.Go(func() error {
			for k := w; k < op.layout.Len(); k += workers {
				sl := op.slices[k]
				zk := &models.Image{Geometry: sl.Image.Geometry, Data: op.layout.Segment(z, k)}
				mk, err := op.MaskSlice(zk, k)
				if err != nil {
					return err
				}
				if err := resampling.AdjointAdd(op.requests[k], mk, acc[w]); err != nil {
					return fmt.Errorf("adjoint slice %d: %w", k, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := acc[0]
	for _, a := range acc[1:] {
		for i, v := range a {
			out[i] += v
		}
	}
	return out, nil
}

// Observation returns My, the masked slice intensities in layout order.
func (op *SliceOperator) Observation() ([]float64, error) {
	out := make([]float64, op.layout.Total())
	for k, sl := range op.slices {
		mk, err := op.MaskSlice(sl.Image, k)
		if err != nil {
			return nil, err
		}
		copy(op.layout.Segment(out, k), mk.Data)
	}
	return out, nil
}
