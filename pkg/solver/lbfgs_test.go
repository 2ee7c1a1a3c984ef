package solver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

func TestPenaltyWeightIgnoresIntensityUnits(t *testing.T) {
	grad := []float64{4, -30, 2}
	b := []float64{1, 5, 2}
	x0 := []float64{0, 0.5, 1}

	base := penaltyWeight(grad, b, x0)
	assert.InDelta(t, boundPenalty*6, base, 1e-9)

	for _, s := range []float64{1e-3, 1e4} {
		sg := append([]float64(nil), grad...)
		sb := append([]float64(nil), b...)
		sx := append([]float64(nil), x0...)
		floats.Scale(s, sg)
		floats.Scale(s, sb)
		floats.Scale(s, sx)
		assert.InDelta(t, base, penaltyWeight(sg, sb, sx), 1e-9*base, "scale %g", s)
	}

	// A flat start keeps the floor.
	assert.Equal(t, float64(boundPenalty), penaltyWeight([]float64{0.1, 0}, b, x0))
	assert.Equal(t, float64(boundPenalty), penaltyWeight(grad, []float64{0}, []float64{0}))
}

func TestLineSearchStopped(t *testing.T) {
	for _, err := range []error{
		optimize.ErrLinesearcherFailure,
		optimize.ErrNoProgress,
		fmt.Errorf("wrapped: %w", optimize.ErrNonDescentDirection),
		optimize.ErrLinesearcherBound,
	} {
		assert.True(t, lineSearchStopped(err), "%v", err)
	}
	for _, err := range []error{
		nil,
		optimize.ErrZeroDimensional,
		optimize.ErrMissingGrad,
		errors.New("recorder failed"),
	} {
		assert.False(t, lineSearchStopped(err), "%v", err)
	}
}
