package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mrisrr/internal/models"
)

// ValidationMetrics compares a reconstruction against a ground truth on
// the same grid.
type ValidationMetrics struct {
	// RMSE is the root mean square voxel error
	RMSE float64 `yaml:"rmse"`

	// RelativeError is ||x - x_ref|| / ||x_ref||
	RelativeError float64 `yaml:"relativeError"`

	// NCC is the normalized cross-correlation in [-1, 1]
	NCC float64 `yaml:"ncc"`

	// PSNR is the peak signal-to-noise ratio in dB, using the reference
	// maximum as peak
	PSNR float64 `yaml:"psnr"`

	// SSIM is a global structural similarity index
	SSIM float64 `yaml:"ssim"`
}

// Compare computes the validation metrics of estimate against reference.
func Compare(reference, estimate *models.Image) (ValidationMetrics, error) {
	if err := reference.Validate(); err != nil {
		return ValidationMetrics{}, fmt.Errorf("reference: %w", err)
	}
	if err := estimate.Validate(); err != nil {
		return ValidationMetrics{}, fmt.Errorf("estimate: %w", err)
	}
	if !reference.SameGrid(estimate.Geometry) {
		return ValidationMetrics{}, fmt.Errorf("%w: reference and estimate grids differ", models.ErrInvalidGeometry)
	}

	ref, est := reference.Data, estimate.Data
	m := ValidationMetrics{
		RMSE:          calculateRMSE(ref, est),
		RelativeError: calculateRelativeError(ref, est),
		NCC:           calculateNCC(ref, est),
		SSIM:          calculateSSIM(ref, est, reference.Max()),
	}
	m.PSNR = calculatePSNR(m.RMSE, reference.Max())
	return m, nil
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	d := floats.Distance(original, reconstructed, 2)
	return d / math.Sqrt(float64(n))
}

func calculateRelativeError(original, reconstructed []float64) float64 {
	norm := floats.Norm(original, 2)
	if norm == 0 {
		return math.Inf(1)
	}
	return floats.Distance(original, reconstructed, 2) / norm
}

// calculateNCC is the Pearson correlation of both volumes. Constant
// inputs have no defined correlation and yield 0.
func calculateNCC(original, reconstructed []float64) float64 {
	if len(original) < 2 || stat.Variance(original, nil) == 0 || stat.Variance(reconstructed, nil) == 0 {
		return 0
	}
	return stat.Correlation(original, reconstructed, nil)
}

func calculatePSNR(rmse, peak float64) float64 {
	if rmse == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(peak/rmse)
}

// calculateSSIM computes the Structural Similarity Index over the whole
// volume with dynamic range L.
func calculateSSIM(original, reconstructed []float64, L float64) float64 {
	const k1 = 0.01
	const k2 = 0.03
	if L <= 0 {
		L = 1
	}
	if len(original) < 2 {
		return 0
	}

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)

	if den > 0 {
		return num / den
	}
	return 0
}
