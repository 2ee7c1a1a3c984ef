package resampling

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
)

func volumeGeometry() models.Geometry {
	return models.Geometry{
		Size:      [3]int{12, 10, 8},
		Spacing:   [3]float64{1, 1, 1.2},
		Origin:    [3]float64{-6, -5, -4},
		Direction: models.IdentityDirection(),
	}
}

// obliqueSlice returns a slice grid rotated by angle about the x axis and
// centred in the volume of volumeGeometry. Its first column lies outside
// the volume.
func obliqueSlice(angle float64) models.Geometry {
	c, s := math.Cos(angle), math.Sin(angle)
	return models.Geometry{
		Size:      [3]int{16, 12, 1},
		Spacing:   [3]float64{0.9, 0.9, 2.5},
		Origin:    [3]float64{-7.2, -5.4 * c, -5.4 * s},
		Direction: [9]float64{1, 0, 0, 0, c, -s, 0, s, c},
	}
}

func testCovariance() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		0.4, 0.05, 0,
		0.05, 0.7, 0.1,
		0, 0.1, 1.3,
	})
}

func randomImage(rng *rand.Rand, g models.Geometry) *models.Image {
	im := models.NewImage(g)
	for i := range im.Data {
		im.Data[i] = rng.NormFloat64()
	}
	return im
}

func TestForwardAdjointAreTransposes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, angle := range []float64{0, 0.3, 1.1} {
		req := Request{
			Covariance: testCovariance(),
			Slice:      obliqueSlice(angle),
			Volume:     volumeGeometry(),
			Cutoff:     DefaultCutoff,
		}
		x := randomImage(rng, req.Volume)
		y := randomImage(rng, req.Slice)

		ax, err := Forward(req, x)
		require.NoError(t, err)
		aty, err := Adjoint(req, y)
		require.NoError(t, err)

		lhs := floats.Dot(ax.Data, y.Data)
		rhs := floats.Dot(x.Data, aty.Data)
		scale := floats.Norm(x.Data, 2) * floats.Norm(y.Data, 2)
		assert.InDelta(t, 0, (lhs-rhs)/scale, 1e-12, "angle %g", angle)
		assert.NotZero(t, lhs, "angle %g: operator should not be trivially zero", angle)
	}
}

func TestForwardPreservesConstants(t *testing.T) {
	req := Request{
		Covariance:   testCovariance(),
		Slice:        obliqueSlice(0.4),
		Volume:       volumeGeometry(),
		Cutoff:       DefaultCutoff,
		DefaultValue: -1,
	}
	x := models.NewImage(req.Volume)
	for i := range x.Data {
		x.Data[i] = 5
	}
	y, err := Forward(req, x)
	require.NoError(t, err)

	inside := 0
	for _, v := range y.Data {
		if v == -1 {
			continue
		}
		inside++
		assert.InDelta(t, 5, v, 1e-12)
	}
	assert.Greater(t, inside, 0)
	assert.Less(t, inside, len(y.Data), "slice extends beyond the volume")
}

func TestAdjointAddAccumulates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	req := Request{
		Covariance: testCovariance(),
		Slice:      obliqueSlice(0.2),
		Volume:     volumeGeometry(),
		Cutoff:     DefaultCutoff,
	}
	y := randomImage(rng, req.Slice)
	once, err := Adjoint(req, y)
	require.NoError(t, err)

	acc := make([]float64, req.Volume.NumVoxels())
	require.NoError(t, AdjointAdd(req, y, acc))
	require.NoError(t, AdjointAdd(req, y, acc))
	for i := range acc {
		assert.InDelta(t, 2*once.Data[i], acc[i], 1e-12)
	}
}

func TestRequestValidation(t *testing.T) {
	good := Request{
		Covariance: testCovariance(),
		Slice:      obliqueSlice(0),
		Volume:     volumeGeometry(),
		Cutoff:     DefaultCutoff,
	}
	x := models.NewImage(good.Volume)

	noCov := good
	noCov.Covariance = nil
	_, err := Forward(noCov, x)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	badCutoff := good
	badCutoff.Cutoff = 0
	_, err = Forward(badCutoff, x)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	singular := good
	singular.Covariance = mat.NewSymDense(3, []float64{1, 0, 0, 0, 0, 0, 0, 0, 1})
	_, err = Forward(singular, x)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	wrongGrid := models.NewImage(obliqueSlice(0))
	_, err = Forward(good, wrongGrid)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = AdjointAdd(good, models.NewImage(good.Slice), make([]float64, 3))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// thinCovariance is an in-plane PSF with a negligible through-plane
// variance along the normal of obliqueSlice(angle).
func thinCovariance(angle float64) *mat.SymDense {
	c, s := math.Cos(angle), math.Sin(angle)
	u := mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
	d := mat.NewDiagDense(3, []float64{0.3, 0.3, 1.8e-13})
	var tmp, out mat.Dense
	tmp.Mul(u, d)
	out.Mul(&tmp, u.T())
	cov := mat.NewSymDense(3, nil)
	for r := 0; r < 3; r++ {
		for col := r; col < 3; col++ {
			cov.SetSym(r, col, 0.5*(out.At(r, col)+out.At(col, r)))
		}
	}
	return cov
}

func TestThinKernelReachesNeighbouringPlanes(t *testing.T) {
	offPlane := obliqueSlice(0)
	offPlane.Origin[2] = -1.3 // between HR planes of volumeGeometry

	tests := []struct {
		name  string
		slice models.Geometry
		angle float64
	}{
		{"axial between planes", offPlane, 0},
		{"oblique", obliqueSlice(0.5), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{
				Covariance:   thinCovariance(tt.angle),
				Slice:        tt.slice,
				Volume:       volumeGeometry(),
				Cutoff:       DefaultCutoff,
				DefaultValue: -1,
			}
			x := models.NewImage(req.Volume)
			for i := range x.Data {
				x.Data[i] = 2
			}
			y, err := Forward(req, x)
			require.NoError(t, err)

			inside := 0
			for _, v := range y.Data {
				if v == -1 {
					continue
				}
				inside++
				require.InDelta(t, 2, v, 1e-12)
			}
			assert.Greater(t, inside, len(y.Data)/2)

			rng := rand.New(rand.NewSource(11))
			xr := randomImage(rng, req.Volume)
			yr := randomImage(rng, req.Slice)
			req.DefaultValue = 0
			ax, err := Forward(req, xr)
			require.NoError(t, err)
			aty, err := Adjoint(req, yr)
			require.NoError(t, err)
			lhs := floats.Dot(ax.Data, yr.Data)
			rhs := floats.Dot(xr.Data, aty.Data)
			assert.NotZero(t, floats.Norm(aty.Data, 2))
			assert.InDelta(t, 0, (lhs-rhs)/(floats.Norm(xr.Data, 2)*floats.Norm(yr.Data, 2)), 1e-12)
		})
	}
}
