// Package resampling implements oriented Gaussian blurred resampling between
// an HR volume and a slice grid, and its exact adjoint.
//
// Each slice voxel o is modelled as a normalized Gaussian-weighted sum of
// the HR voxels around its physical position:
//
//	y[o] = sum_v w(o,v) x[v] / sum_v w(o,v)
//	w(o,v) = exp(-1/2 d^T C^-1 d),  d = (v - c(o)) * spacing_HR
//
// where c(o) is the continuous HR index of o and C the PSF covariance in HR
// volume coordinates, with its principal standard deviations floored at
// 0.25 HR voxels so that thin in-plane kernels still interpolate between
// the two nearest HR planes. The adjoint scatters y[o] back with the same
// normalized weights, so Adjoint is the transpose of Forward.
package resampling

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
)

// ErrInvalidRequest is returned when a Request cannot be evaluated.
var ErrInvalidRequest = errors.New("invalid resampling request")

// DefaultCutoff is the kernel truncation radius in standard deviations.
const DefaultCutoff = 3.0

// minKernelSigma is the smallest kernel standard deviation, in HR voxels,
// along any principal axis. Every kernel support also spans at least one
// voxel on each side of the sample.
const minKernelSigma = 0.25

// Request fully describes one blurred resampling operator. It is a value;
// nothing is retained between calls.
type Request struct {
	// Covariance is the PSF covariance in HR volume coordinates (mm^2)
	Covariance *mat.SymDense

	// Slice is the LR grid: output of Forward, input of Adjoint
	Slice models.Geometry

	// Volume is the HR grid: input of Forward, output of Adjoint
	Volume models.Geometry

	// Cutoff truncates the kernel at Cutoff standard deviations per axis
	Cutoff float64

	// DefaultValue is written by Forward for samples outside the volume
	DefaultValue float64
}

// Forward blurs and resamples volume onto the slice grid.
func Forward(req Request, volume *models.Image) (*models.Image, error) {
	if err := volume.Validate(); err != nil {
		return nil, fmt.Errorf("%w: volume: %v", ErrInvalidRequest, err)
	}
	if !volume.SameGrid(req.Volume) {
		return nil, fmt.Errorf("%w: volume grid does not match request", ErrInvalidRequest)
	}
	k, err := newKernel(req)
	if err != nil {
		return nil, err
	}

	out := models.NewImage(req.Slice)
	var o [3]int
	i := 0
	for o[2] = 0; o[2] < req.Slice.Size[2]; o[2]++ {
		for o[1] = 0; o[1] < req.Slice.Size[1]; o[1]++ {
			for o[0] = 0; o[0] < req.Slice.Size[0]; o[0]++ {
				n := k.weights(o)
				if n == 0 {
					out.Data[i] = req.DefaultValue
				} else {
					sum := 0.0
					for j := 0; j < n; j++ {
						sum += k.w[j] * volume.Data[k.idx[j]]
					}
					out.Data[i] = sum
				}
				i++
			}
		}
	}
	return out, nil
}

// Adjoint applies the transpose of Forward to a slice image, producing an
// image on the volume grid.
func Adjoint(req Request, slice *models.Image) (*models.Image, error) {
	out := models.NewImage(req.Volume)
	if err := AdjointAdd(req, slice, out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// AdjointAdd is Adjoint accumulating into dst, which must hold one value per
// volume voxel.
func AdjointAdd(req Request, slice *models.Image, dst []float64) error {
	if err := slice.Validate(); err != nil {
		return fmt.Errorf("%w: slice: %v", ErrInvalidRequest, err)
	}
	if !slice.SameGrid(req.Slice) {
		return fmt.Errorf("%w: slice grid does not match request", ErrInvalidRequest)
	}
	if len(dst) != req.Volume.NumVoxels() {
		return fmt.Errorf("%w: accumulator has %d values, volume has %d",
			ErrInvalidRequest, len(dst), req.Volume.NumVoxels())
	}
	k, err := newKernel(req)
	if err != nil {
		return err
	}

	var o [3]int
	i := 0
	for o[2] = 0; o[2] < req.Slice.Size[2]; o[2]++ {
		for o[1] = 0; o[1] < req.Slice.Size[1]; o[1]++ {
			for o[0] = 0; o[0] < req.Slice.Size[0]; o[0]++ {
				y := slice.Data[i]
				i++
				if y == 0 {
					continue
				}
				n := k.weights(o)
				for j := 0; j < n; j++ {
					dst[k.idx[j]] += k.w[j] * y
				}
			}
		}
	}
	return nil
}

// kernel is the per-request precomputation shared by Forward and Adjoint.
// It owns scratch buffers and must not be shared between goroutines.
type kernel struct {
	size   [3]int
	affine [3][3]float64 // slice index -> continuous volume index
	offset [3]float64
	q      [3][3]float64 // inverse covariance in volume index units
	radius [3]float64

	idx []int
	w   []float64
}

func newKernel(req Request) (*kernel, error) {
	if req.Covariance == nil {
		return nil, fmt.Errorf("%w: missing covariance", ErrInvalidRequest)
	}
	if !(req.Cutoff > 0) || math.IsInf(req.Cutoff, 0) {
		return nil, fmt.Errorf("%w: cutoff %g must be positive", ErrInvalidRequest, req.Cutoff)
	}
	if err := req.Slice.Validate(); err != nil {
		return nil, fmt.Errorf("%w: slice: %v", ErrInvalidRequest, err)
	}
	if err := req.Volume.Validate(); err != nil {
		return nil, fmt.Errorf("%w: volume: %v", ErrInvalidRequest, err)
	}

	toIndex, t, err := req.Volume.PhysicalToIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fromSlice, origin := req.Slice.IndexToPhysical()
	var a mat.Dense
	a.Mul(toIndex, fromSlice)

	// Work in volume index units. Principal variances below minKernelSigma²
	// are raised to it so a nearly flat PSF still reaches the HR voxels
	// bracketing the sample.
	s := req.Volume.Spacing
	cov := mat.NewSymDense(3, nil)
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			cov.SetSym(r, c, req.Covariance.At(r, c)/(s[r]*s[c]))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("%w: covariance eigen decomposition failed", ErrInvalidRequest)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	for i, v := range vals {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: covariance is not positive definite", ErrInvalidRequest)
		}
		vals[i] = math.Max(v, minKernelSigma*minKernelSigma)
	}

	k := &kernel{size: req.Volume.Size}
	for r := 0; r < 3; r++ {
		k.offset[r] = t[r]
		variance := 0.0
		for c := 0; c < 3; c++ {
			k.affine[r][c] = a.At(r, c)
			k.offset[r] += toIndex.At(r, c) * origin[c]
			for i, v := range vals {
				k.q[r][c] += vecs.At(r, i) * vecs.At(c, i) / v
			}
			variance += vecs.At(r, c) * vecs.At(r, c) * vals[c]
		}
		k.radius[r] = math.Max(req.Cutoff*math.Sqrt(variance), 1)
	}

	n := 1
	for r := 0; r < 3; r++ {
		n *= 2*int(math.Ceil(k.radius[r])) + 1
	}
	k.idx = make([]int, 0, n)
	k.w = make([]float64, 0, n)
	return k, nil
}

// weights fills k.idx and k.w with the normalized weights of slice voxel o
// and returns their count. Zero means o maps outside the volume or no
// volume voxel falls inside the kernel support.
func (k *kernel) weights(o [3]int) int {
	k.idx = k.idx[:0]
	k.w = k.w[:0]

	var c [3]float64
	var lo, hi [3]int
	for r := 0; r < 3; r++ {
		c[r] = k.offset[r] +
			k.affine[r][0]*float64(o[0]) +
			k.affine[r][1]*float64(o[1]) +
			k.affine[r][2]*float64(o[2])
		if c[r] < -0.5 || c[r] > float64(k.size[r])-0.5 {
			return 0
		}
		lo[r] = int(math.Ceil(c[r] - k.radius[r]))
		hi[r] = int(math.Floor(c[r] + k.radius[r]))
		if lo[r] < 0 {
			lo[r] = 0
		}
		if hi[r] > k.size[r]-1 {
			hi[r] = k.size[r] - 1
		}
		if lo[r] > hi[r] {
			return 0
		}
	}

	total := 0.0
	for z := lo[2]; z <= hi[2]; z++ {
		dz := float64(z) - c[2]
		for y := lo[1]; y <= hi[1]; y++ {
			dy := float64(y) - c[1]
			row := k.size[0] * (y + k.size[1]*z)
			for x := lo[0]; x <= hi[0]; x++ {
				dx := float64(x) - c[0]
				e := k.q[0][0]*dx*dx + k.q[1][1]*dy*dy + k.q[2][2]*dz*dz +
					2*(k.q[0][1]*dx*dy+k.q[0][2]*dx*dz+k.q[1][2]*dy*dz)
				w := math.Exp(-0.5 * e)
				if w == 0 {
					continue
				}
				k.idx = append(k.idx, row+x)
				k.w = append(k.w, w)
				total += w
			}
		}
	}
	if total == 0 {
		k.idx = k.idx[:0]
		k.w = k.w[:0]
		return 0
	}
	for j := range k.w {
		k.w[j] /= total
	}
	return len(k.w)
}
