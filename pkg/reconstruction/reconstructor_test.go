package reconstruction

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"mrisrr/internal/models"
	"mrisrr/internal/phantom"
	"mrisrr/pkg/config"
	"mrisrr/pkg/operator"
	"mrisrr/pkg/psf"
	"mrisrr/pkg/regularization"
	"mrisrr/pkg/solver"
)

func quietParams() Params {
	p := DefaultParams()
	p.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return p
}

// smallScene returns a 12^3 phantom and two orthogonal stacks acquired
// from it.
func smallScene(t *testing.T) (*models.Image, []*models.Stack) {
	t.Helper()
	g := phantom.CubeGeometry(12, 1)
	truth, err := phantom.Volume(g, phantom.DefaultBlobs(g))
	require.NoError(t, err)
	stacks, err := phantom.Simulate(truth, phantom.OrthogonalSpecs(2, 4, 16, 1, 2), phantom.Options{})
	require.NoError(t, err)
	return truth, stacks
}

func TestNewRejectsEmptyStackList(t *testing.T) {
	vol := models.NewImage(phantom.CubeGeometry(4, 1))
	_, err := New(nil, vol, quietParams())
	assert.ErrorIs(t, err, operator.ErrNoStacks)
	_, err = New([]*models.Stack{}, vol, quietParams())
	assert.ErrorIs(t, err, operator.ErrNoStacks)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	truth, stacks := smallScene(t)

	_, err := New(stacks, nil, quietParams())
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)

	p := quietParams()
	p.Alpha = -1
	_, err = New(stacks, truth, p)
	assert.ErrorIs(t, err, config.ErrInvalidOption)

	p = quietParams()
	p.Mode = psf.Predefined
	_, err = New(stacks, truth, p)
	assert.ErrorIs(t, err, config.ErrInvalidOption, "predefined mode needs a covariance")

	p = quietParams()
	p.Minimizer = "newton"
	_, err = New(stacks, truth, p)
	assert.ErrorIs(t, err, config.ErrInvalidOption)

	empty := &models.Stack{Name: "empty"}
	_, err = New([]*models.Stack{stacks[0], empty}, truth, quietParams())
	assert.ErrorIs(t, err, operator.ErrNoSlices)
}

func TestSettersValidate(t *testing.T) {
	truth, stacks := smallScene(t)
	r, err := New(stacks, truth, quietParams())
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetDataLoss("l1"), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetMinimizer("newton"), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetRegularizationType("TV"), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetDeconvolutionMode("2D"), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetInitializer("random"), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetAlpha(math.NaN()), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetIterMax(-3), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetHuberGamma(0), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetAlphaCut(-1), config.ErrInvalidOption)
	assert.ErrorIs(t, r.SetPredefinedCovariance([]float64{1, 2}), config.ErrInvalidOption)

	// Rejected values leave the configuration unchanged.
	assert.Equal(t, solver.Linear, r.DataLoss())
	assert.Equal(t, solver.LSMR, r.Minimizer())
	assert.Equal(t, regularization.TK1, r.RegularizationType())
	assert.InDelta(t, 0.02, r.Alpha(), 0)
	assert.Equal(t, 10, r.IterMax())

	require.NoError(t, r.SetDataLoss("huber"))
	require.NoError(t, r.SetHuberGamma(2.5))
	require.NoError(t, r.SetAlphaCut(4))
	require.NoError(t, r.SetPredefinedCovariance([]float64{0.3, 0.3, 1.2}))
	require.NoError(t, r.SetDeconvolutionMode("predefined_covariance"))
	assert.Equal(t, solver.Huber, r.DataLoss())
	assert.InDelta(t, 2.5, r.HuberGamma(), 0)
	assert.InDelta(t, 4, r.AlphaCut(), 0)
	assert.Equal(t, psf.Predefined, r.DeconvolutionMode())
	require.NotNil(t, r.PredefinedCovariance())
	assert.InDelta(t, 1.2, r.PredefinedCovariance().At(2, 2), 0)
	assert.Equal(t, solver.Configured, r.Status())
}

func TestSingularPredefinedCovarianceRejected(t *testing.T) {
	truth, stacks := smallScene(t)

	params := quietParams()
	params.Mode = psf.Predefined
	params.PredefinedCovariance = []float64{1, 1, 0}
	_, err := New(stacks, truth, params)
	assert.ErrorIs(t, err, config.ErrInvalidOption)
	assert.ErrorIs(t, err, psf.ErrDegenerateCovariance)

	params.PredefinedCovariance = []float64{1, 1, 2}
	r, err := New(stacks, truth, params)
	require.NoError(t, err)

	err = r.SetPredefinedCovariance([]float64{1, 1, 0})
	assert.ErrorIs(t, err, psf.ErrDegenerateCovariance)
	assert.InDelta(t, 2, r.PredefinedCovariance().At(2, 2), 0)
	assert.Equal(t, solver.Configured, r.Status())
}

func TestStatisticsRequireASolve(t *testing.T) {
	truth, stacks := smallScene(t)
	r, err := New(stacks, truth, quietParams())
	require.NoError(t, err)

	_, err = r.ResidualEll2()
	assert.ErrorIs(t, err, ErrStatisticsNotComputed)
	_, err = r.ResidualPrior()
	assert.ErrorIs(t, err, ErrStatisticsNotComputed)
	assert.ErrorIs(t, r.ComputeStatistics(), ErrNotSolved)
	_, err = r.FinalCost()
	assert.ErrorIs(t, err, ErrNotSolved)

	require.NoError(t, r.Run())
	_, err = r.ResidualEll2()
	assert.ErrorIs(t, err, ErrStatisticsNotComputed)

	cost, err := r.FinalCost()
	require.NoError(t, err)
	data, err := r.ResidualEll2()
	require.NoError(t, err)
	prior, err := r.ResidualPrior()
	require.NoError(t, err)
	assert.InDelta(t, data+r.Alpha()*prior, cost, 1e-12)

	// Changing the configuration invalidates the result.
	require.NoError(t, r.SetAlpha(0.5))
	_, err = r.ResidualEll2()
	assert.ErrorIs(t, err, ErrStatisticsNotComputed)
	assert.ErrorIs(t, r.ComputeStatistics(), ErrNotSolved)
}

func TestSettingSpecificFilename(t *testing.T) {
	truth, stacks := smallScene(t)
	r, err := New(stacks, truth, quietParams())
	require.NoError(t, err)
	assert.Equal(t, "SRR_stacks2_TK1_lsmr_alpha0p02_itermax10", r.SettingSpecificFilename("SRR_"))

	require.NoError(t, r.SetAlpha(0))
	require.NoError(t, r.SetMinimizer("lsqr"))
	assert.Equal(t, "stacks2_lsqr_alpha0_itermax10", r.SettingSpecificFilename(""))

	require.NoError(t, r.SetAlpha(0.01))
	require.NoError(t, r.SetRegularizationType("TK0"))
	require.NoError(t, r.SetMinimizer("L-BFGS-B"))
	require.NoError(t, r.SetIterMax(25))
	assert.Equal(t, "SRR_stacks2_TK0_L-BFGS-B_linear_alpha0p01_itermax25", r.SettingSpecificFilename("SRR_"))

	// Krylov solvers cannot minimize a Huber loss; the name records the
	// minimizer that actually runs.
	require.NoError(t, r.SetMinimizer("lsmr"))
	require.NoError(t, r.SetDataLoss("huber"))
	assert.Equal(t, "SRR_stacks2_TK0_L-BFGS-B_huber1p345_alpha0p01_itermax25", r.SettingSpecificFilename("SRR_"))
	assert.Equal(t, solver.LSMR, r.Minimizer())
	assert.Equal(t, solver.LBFGSB, r.EffectiveMinimizer())
}

func TestRunFromGroundTruthKeepsIt(t *testing.T) {
	truth, stacks := smallScene(t)
	vol := truth.Clone()
	p := quietParams()
	p.Alpha = 0
	p.IterMax = 5
	r, err := New(stacks, vol, p)
	require.NoError(t, err)
	require.NoError(t, r.Run())

	require.NoError(t, r.ComputeStatistics())
	data, err := r.ResidualEll2()
	require.NoError(t, err)
	assert.Less(t, data, 1e-16)
	assert.InDelta(t, 0, floats.Distance(truth.Data, vol.Data, math.Inf(1)), 1e-9)
}

func TestRunWithEveryInitializerAndMinimizer(t *testing.T) {
	truth, stacks := smallScene(t)
	for _, init := range []string{"volume", "zero", "sda"} {
		for _, m := range []string{"lsmr", "lsqr", "L-BFGS-B"} {
			t.Run(init+"/"+m, func(t *testing.T) {
				vol := models.NewImage(truth.Geometry)
				p := quietParams()
				p.IterMax = 15
				r, err := New(stacks, vol, p)
				require.NoError(t, err)
				require.NoError(t, r.SetInitializer(init))
				require.NoError(t, r.SetMinimizer(m))

				b, err := r.op.Observation()
				require.NoError(t, err)
				bb := floats.Dot(b, b)

				require.NoError(t, r.Run())
				assert.True(t, r.Status().Terminal())
				assert.NotEqual(t, solver.Failed, r.Status())
				assert.Positive(t, r.ComputationalTime())
				assert.GreaterOrEqual(t, floats.Min(vol.Data), 0.0)

				require.NoError(t, r.ComputeStatistics())
				data, err := r.ResidualEll2()
				require.NoError(t, err)
				assert.Less(t, 2*data, 0.05*bb)
			})
		}
	}
}

func TestRobustLossRuns(t *testing.T) {
	truth, stacks := smallScene(t)
	vol := models.NewImage(truth.Geometry)
	var logs bytes.Buffer
	p := DefaultParams()
	p.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	p.Loss = solver.Cauchy
	p.IterMax = 10
	r, err := New(stacks, vol, p)
	require.NoError(t, err)

	require.NoError(t, r.Run())
	assert.NotEqual(t, solver.Failed, r.Status())
	assert.Equal(t, solver.LSMR, r.Minimizer(), "configured minimizer is not mutated")
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "Tikhonov solver")
}

func TestRunFailureLeavesVolumeUntouched(t *testing.T) {
	truth, stacks := smallScene(t)
	stacks[1].Slices[0].Image.Data[5] = math.NaN()

	vol := models.NewImage(truth.Geometry)
	for i := range vol.Data {
		vol.Data[i] = 3
	}
	r, err := New(stacks, vol, quietParams())
	require.NoError(t, err)

	err = r.Run()
	assert.ErrorIs(t, err, solver.ErrNonFinite)
	assert.Equal(t, solver.Failed, r.Status())
	for _, v := range vol.Data {
		require.InDelta(t, 3, v, 0)
	}
	assert.ErrorIs(t, r.ComputeStatistics(), ErrNotSolved)
}

// TestEndToEndPhantom reconstructs a 32^3 phantom from two orthogonal
// stacks of five 64x64 slices with 3 mm thickness.
func TestEndToEndPhantom(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end reconstruction in short mode")
	}
	g := phantom.CubeGeometry(32, 1)
	truth, err := phantom.Volume(g, phantom.DefaultBlobs(g))
	require.NoError(t, err)
	stacks, err := phantom.Simulate(truth, phantom.OrthogonalSpecs(2, 5, 64, 1, 3), phantom.Options{Mode: psf.FullThreeD})
	require.NoError(t, err)

	vol := models.NewImage(g)
	p := quietParams()
	p.Regularization = regularization.TK0
	p.Alpha = 0.01
	p.Loss = solver.Linear
	p.IterMax = 20
	p.Initializer = Zero
	r, err := New(stacks, vol, p)
	require.NoError(t, err)

	b, err := r.op.Observation()
	require.NoError(t, err)
	initial := floats.Dot(b, b) // ||A 0 - b||^2

	require.NoError(t, r.Run())
	require.NotEqual(t, solver.Failed, r.Status())
	require.NoError(t, r.ComputeStatistics())
	data, err := r.ResidualEll2()
	require.NoError(t, err)
	assert.Less(t, 2*data, 0.01*initial)

	m, err := Compare(truth, r.Reconstruction())
	require.NoError(t, err)
	assert.Less(t, m.RelativeError, 0.1)
	assert.Greater(t, m.NCC, 0.95)
	t.Logf("relative error %.4f, NCC %.4f, PSNR %.1f dB, %d iterations",
		m.RelativeError, m.NCC, m.PSNR, r.Iterations())
}
