// Package psf estimates the anisotropic Gaussian point-spread function of a
// slice acquisition, expressed as a covariance matrix in the coordinate
// frame of the HR volume.
package psf

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
)

var (
	// ErrDegenerateCovariance is returned when a covariance is not finite,
	// not symmetric or not positive definite.
	ErrDegenerateCovariance = errors.New("degenerate PSF covariance")

	// ErrUnknownMode is returned by ParseMode for unrecognized names.
	ErrUnknownMode = errors.New("unknown deconvolution mode")
)

// InPlaneThroughPlaneSpacing replaces the slice thickness in InPlane mode.
// It is several orders of magnitude below any physical spacing, so the
// through-plane blur becomes negligible.
const InPlaneThroughPlaneSpacing = 1e-6

// predefinedConditionLimit bounds the smallest eigenvalue of a predefined
// covariance relative to its largest.
const predefinedConditionLimit = 1e-12

// fwhmToVariance converts a squared FWHM into a Gaussian variance.
var fwhmToVariance = 1 / (8 * math.Ln2)

// Mode selects how the slice PSF is derived.
type Mode int

const (
	// FullThreeD derives the PSF from in-plane spacing and slice thickness.
	FullThreeD Mode = iota
	// InPlane derives the PSF from the in-plane spacing only.
	InPlane
	// Predefined uses a caller-supplied slice-axis covariance.
	Predefined
)

func (m Mode) String() string {
	switch m {
	case FullThreeD:
		return "full_3D"
	case InPlane:
		return "only_in_plane"
	case Predefined:
		return "predefined_covariance"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "full_3D":
		return FullThreeD, nil
	case "only_in_plane":
		return InPlane, nil
	case "predefined_covariance":
		return Predefined, nil
	}
	return 0, fmt.Errorf("%w: %q (want full_3D, only_in_plane or predefined_covariance)", ErrUnknownMode, s)
}

// SliceCovariance returns the slice-axis aligned Gaussian covariance for
// the given voxel spacing. The in-plane FWHM is 1.2 times the pixel spacing
// and the through-plane FWHM equals the slice thickness.
func SliceCovariance(spacing [3]float64) *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		(1.2 * spacing[0]) * (1.2 * spacing[0]) * fwhmToVariance, 0, 0,
		0, (1.2 * spacing[1]) * (1.2 * spacing[1]) * fwhmToVariance, 0,
		0, 0, spacing[2] * spacing[2] * fwhmToVariance,
	})
}

// PredefinedCovariance builds a covariance from either its three diagonal
// entries or all nine entries in row-major order.
func PredefinedCovariance(values []float64) (*mat.SymDense, error) {
	var cov *mat.SymDense
	switch len(values) {
	case 3:
		cov = mat.NewSymDense(3, []float64{
			values[0], 0, 0,
			0, values[1], 0,
			0, 0, values[2],
		})
	case 9:
		for r := 0; r < 3; r++ {
			for c := r + 1; c < 3; c++ {
				a, b := values[3*r+c], values[3*c+r]
				if math.Abs(a-b) > 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b))) {
					return nil, fmt.Errorf("%w: matrix is not symmetric", ErrDegenerateCovariance)
				}
			}
		}
		data := make([]float64, 9)
		copy(data, values)
		cov = mat.NewSymDense(3, data)
	default:
		return nil, fmt.Errorf("%w: want 3 or 9 values, got %d", ErrDegenerateCovariance, len(values))
	}
	if err := checkCovariance(cov, predefinedConditionLimit); err != nil {
		return nil, err
	}
	return cov, nil
}

// Covariance returns the PSF covariance of a slice in HR volume coordinates.
// predefined is only consulted in Predefined mode.
func Covariance(mode Mode, slice, volume models.Geometry, predefined *mat.SymDense) (*mat.SymDense, error) {
	if err := slice.Validate(); err != nil {
		return nil, fmt.Errorf("slice geometry: %w", err)
	}
	if err := volume.Validate(); err != nil {
		return nil, fmt.Errorf("volume geometry: %w", err)
	}

	var cov *mat.SymDense
	switch mode {
	case FullThreeD:
		cov = SliceCovariance(slice.Spacing)
	case InPlane:
		spacing := slice.Spacing
		spacing[2] = InPlaneThroughPlaneSpacing
		cov = SliceCovariance(spacing)
	case Predefined:
		if predefined == nil {
			return nil, fmt.Errorf("%w: predefined covariance mode without a covariance", ErrDegenerateCovariance)
		}
		cov = predefined
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, mode)
	}

	hr, err := toVolumeCoordinates(cov, slice, volume)
	if err != nil {
		return nil, err
	}
	if err := checkCovariance(hr, 0); err != nil {
		return nil, err
	}
	return hr, nil
}

// toVolumeCoordinates rotates a slice-axis covariance into the volume
// frame: U = D_vol^-1 * D_slice, cov_HR = U * cov * U^T.
func toVolumeCoordinates(cov *mat.SymDense, slice, volume models.Geometry) (*mat.SymDense, error) {
	var volInv mat.Dense
	if err := volInv.Inverse(volume.DirectionMatrix()); err != nil {
		return nil, fmt.Errorf("%w: volume direction: %v", models.ErrInvalidGeometry, err)
	}
	var u, tmp, out mat.Dense
	u.Mul(&volInv, slice.DirectionMatrix())
	tmp.Mul(&u, cov)
	out.Mul(&tmp, u.T())

	sym := mat.NewSymDense(3, nil)
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			sym.SetSym(r, c, 0.5*(out.At(r, c)+out.At(c, r)))
		}
	}
	return sym, nil
}

// checkCovariance requires finite entries and eigenvalues above
// minRatio times the largest one, and strictly positive in any case.
func checkCovariance(cov *mat.SymDense, minRatio float64) error {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := cov.At(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite entry at (%d,%d)", ErrDegenerateCovariance, r, c)
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return fmt.Errorf("%w: eigen decomposition failed", ErrDegenerateCovariance)
	}
	vals := eig.Values(nil)
	maxVal := math.Max(vals[0], math.Max(vals[1], vals[2]))
	minVal := math.Min(vals[0], math.Min(vals[1], vals[2]))
	if !(maxVal > 0) {
		return fmt.Errorf("%w: covariance is zero", ErrDegenerateCovariance)
	}
	if !(minVal > 0) || minVal <= minRatio*maxVal {
		return fmt.Errorf("%w: eigenvalue %g is not positive (largest %g)", ErrDegenerateCovariance, minVal, maxVal)
	}
	return nil
}
