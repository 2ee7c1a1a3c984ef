package reconstruction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrisrr/internal/models"
	"mrisrr/internal/phantom"
)

func TestCompareIdentical(t *testing.T) {
	g := phantom.CubeGeometry(6, 1)
	ref, err := phantom.Volume(g, phantom.DefaultBlobs(g))
	require.NoError(t, err)

	m, err := Compare(ref, ref.Clone())
	require.NoError(t, err)
	assert.Zero(t, m.RMSE)
	assert.Zero(t, m.RelativeError)
	assert.InDelta(t, 1, m.NCC, 1e-12)
	assert.InDelta(t, 1, m.SSIM, 1e-12)
	assert.True(t, math.IsInf(m.PSNR, 1))
}

func TestCompareKnownValues(t *testing.T) {
	g := models.Geometry{Size: [3]int{4, 1, 1}, Spacing: [3]float64{1, 1, 1}, Direction: models.IdentityDirection()}
	ref, err := models.NewImageFromData(g, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	est, err := models.NewImageFromData(g, []float64{2, 3, 4, 5})
	require.NoError(t, err)

	m, err := Compare(ref, est)
	require.NoError(t, err)
	assert.InDelta(t, 1, m.RMSE, 1e-12)
	assert.InDelta(t, 2/math.Sqrt(30), m.RelativeError, 1e-12)
	assert.InDelta(t, 1, m.NCC, 1e-12, "a shift keeps the correlation")
	assert.InDelta(t, 20*math.Log10(4), m.PSNR, 1e-12)
	assert.Less(t, m.SSIM, 1.0)
}

func TestCompareRejectsDifferentGrids(t *testing.T) {
	a := models.NewImage(phantom.CubeGeometry(3, 1))
	b := models.NewImage(phantom.CubeGeometry(4, 1))
	_, err := Compare(a, b)
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)
}
