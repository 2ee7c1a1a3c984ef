package solver

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func denseOperators(a *mat.Dense) (Operator, Operator) {
	r, c := a.Dims()
	fwd := func(x []float64) ([]float64, error) {
		out := mat.NewVecDense(r, nil)
		out.MulVec(a, mat.NewVecDense(c, append([]float64(nil), x...)))
		return out.RawVector().Data, nil
	}
	adj := func(y []float64) ([]float64, error) {
		out := mat.NewVecDense(c, nil)
		out.MulVec(a.T(), mat.NewVecDense(r, append([]float64(nil), y...)))
		return out.RawVector().Data, nil
	}
	return fwd, adj
}

func identity(x []float64) ([]float64, error) {
	return append([]float64(nil), x...), nil
}

// testProblem returns a well-conditioned problem with a strictly positive
// ground truth and noise-free data.
func testProblem(rng *rand.Rand, m, n int, alpha float64) (Problem, []float64) {
	a := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	truth := make([]float64, n)
	for i := range truth {
		truth[i] = 1 + rng.Float64()
	}
	fwd, adj := denseOperators(a)
	b, _ := fwd(truth)
	return Problem{
		A: fwd, AAdjoint: adj,
		G: identity, GAdjoint: identity,
		B: b, X0: make([]float64, n),
		Alpha: alpha,
	}, truth
}

// reference solves (A^T A + alpha I) x = A^T b directly.
func reference(t *testing.T, p Problem, n int) []float64 {
	t.Helper()
	cols := make([][]float64, n)
	for j := 0; j < n; j++ {
		e := make([]float64, n)
		e[j] = 1
		col, err := p.A(e)
		require.NoError(t, err)
		cols[j] = col
	}
	normal := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := floats.Dot(cols[i], cols[j])
			if i == j {
				v += p.Alpha
			}
			normal.Set(i, j, v)
		}
	}
	atb, err := p.AAdjoint(p.B)
	require.NoError(t, err)
	var x mat.VecDense
	require.NoError(t, x.SolveVec(normal, mat.NewVecDense(n, atb)))
	return x.RawVector().Data
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestKrylovMatchesNormalEquations(t *testing.T) {
	for _, m := range []Minimizer{LSQR, LSMR} {
		t.Run(string(m), func(t *testing.T) {
			rng := rand.New(rand.NewSource(3))
			p, _ := testProblem(rng, 30, 12, 0.05)
			want := reference(t, p, 12)

			res, err := Solve(p, Options{Minimizer: m, IterMax: 200, Tolerance: 1e-12, Logger: quietLogger()})
			require.NoError(t, err)
			assert.Equal(t, Converged, res.Status)
			assert.Equal(t, m, res.Minimizer)
			assert.LessOrEqual(t, res.Iterations, 200)
			for i := range want {
				assert.InDelta(t, want[i], res.X[i], 1e-7)
			}
		})
	}
}

func TestKrylovHonorsInitialValue(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	p, _ := testProblem(rng, 25, 10, 0.1)
	want := reference(t, p, 10)

	// With x0 != 0 the regularized minimizer is unchanged because
	// the right-hand side carries -sqrt(alpha) G x0.
	p.X0 = make([]float64, 10)
	for i := range p.X0 {
		p.X0[i] = rng.Float64()
	}
	res, err := Solve(p, Options{Minimizer: LSMR, IterMax: 200, Tolerance: 1e-12, Logger: quietLogger()})
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], res.X[i], 1e-7)
	}
}

func TestLBFGSMatchesNormalEquations(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	p, _ := testProblem(rng, 30, 12, 0.05)
	want := reference(t, p, 12)

	res, err := Solve(p, Options{Minimizer: LBFGSB, IterMax: 500, Tolerance: 1e-12, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Status)
	assert.Equal(t, LBFGSB, res.Minimizer)
	for i := range want {
		assert.InDelta(t, want[i], res.X[i], 1e-4)
	}
}

func TestRobustLossesRejectOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	p, truth := testProblem(rng, 40, 8, 0)
	for _, i := range []int{3, 17, 29} {
		p.B[i] += 50
	}

	linear, err := Solve(p, Options{Minimizer: LSQR, IterMax: 200, Tolerance: 1e-12, Logger: quietLogger()})
	require.NoError(t, err)
	linearErr := floats.Distance(linear.X, truth, 2)
	require.Greater(t, linearErr, 1.0)

	for _, loss := range []Loss{Huber, SoftL1} {
		t.Run(loss.String(), func(t *testing.T) {
			res, err := Solve(p, Options{
				Minimizer:  LBFGSB,
				Loss:       loss,
				HuberGamma: DefaultHuberGamma,
				IterMax:    1000,
				Tolerance:  1e-12,
				Logger:     quietLogger(),
			})
			require.NoError(t, err)
			robustErr := floats.Distance(res.X, truth, 2)
			assert.Less(t, robustErr, 0.2*linearErr)
		})
	}
}

func TestNonLinearLossDowngradesMinimizer(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p, _ := testProblem(rng, 20, 6, 0.1)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := Options{Minimizer: LSMR, Loss: Cauchy, IterMax: 50, Logger: logger}
	res, err := Solve(p, opts)
	require.NoError(t, err)
	assert.Equal(t, LBFGSB, res.Minimizer)
	assert.Equal(t, LSMR, opts.Minimizer)
	assert.Contains(t, buf.String(), "L-BFGS-B")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestSolutionIsProjectedOntoNonNegative(t *testing.T) {
	b := []float64{-1, 2, -3, 4}
	p := Problem{
		A: identity, AAdjoint: identity,
		B: b, X0: make([]float64, 4),
	}
	for _, m := range []Minimizer{LSQR, LSMR, LBFGSB} {
		res, err := Solve(p, Options{Minimizer: m, IterMax: 100, Tolerance: 1e-12, Logger: quietLogger()})
		require.NoError(t, err, m)
		for i, want := range []float64{0, 2, 0, 4} {
			assert.InDelta(t, want, res.X[i], 1e-6, "%s x[%d]", m, i)
			assert.GreaterOrEqual(t, res.X[i], 0.0)
		}
	}
}

func TestIterationCap(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	p, _ := testProblem(rng, 30, 12, 0.01)

	res, err := Solve(p, Options{Minimizer: LSQR, IterMax: 2, Tolerance: 1e-14, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, MaxIterReached, res.Status)
	assert.Equal(t, 2, res.Iterations)

	p.X0[0] = -4
	for _, m := range []Minimizer{LSMR, LBFGSB} {
		res, err = Solve(p, Options{Minimizer: m, IterMax: 0, Logger: quietLogger()})
		require.NoError(t, err)
		assert.Equal(t, MaxIterReached, res.Status)
		assert.Zero(t, res.Iterations)
		assert.Zero(t, res.X[0])
	}
}

func TestTinyAlphaApproachesUnregularized(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	p, truth := testProblem(rng, 30, 10, 0)
	opts := Options{Minimizer: LSMR, IterMax: 200, Tolerance: 1e-12, Logger: quietLogger()}

	plain, err := Solve(p, opts)
	require.NoError(t, err)
	p.Alpha = 1e-12
	tiny, err := Solve(p, opts)
	require.NoError(t, err)

	assert.InDelta(t, 0, floats.Distance(plain.X, tiny.X, 2), 1e-6)
	assert.InDelta(t, 0, floats.Distance(plain.X, truth, 2), 1e-6)
}

func TestNonFiniteFailsSolve(t *testing.T) {
	broken := func(x []float64) ([]float64, error) {
		out := make([]float64, len(x))
		for i := range out {
			out[i] = math.NaN()
		}
		return out, nil
	}
	p := Problem{
		A: broken, AAdjoint: identity,
		B: []float64{1, 2, 3}, X0: make([]float64, 3),
	}
	for _, m := range []Minimizer{LSQR, LSMR, LBFGSB} {
		res, err := Solve(p, Options{Minimizer: m, IterMax: 10, Logger: quietLogger()})
		require.ErrorIs(t, err, ErrNonFinite, m)
		require.NotNil(t, res)
		assert.Equal(t, Failed, res.Status)
	}

	p.A = identity
	p.B = []float64{1, math.Inf(1), 3}
	_, err := Solve(p, Options{Minimizer: LSQR, IterMax: 10})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestOperatorErrorsPropagate(t *testing.T) {
	errBoom := errors.New("boom")
	p := Problem{
		A:        func([]float64) ([]float64, error) { return nil, errBoom },
		AAdjoint: identity,
		B:        []float64{1}, X0: []float64{0},
	}
	for _, m := range []Minimizer{LSQR, LBFGSB} {
		_, err := Solve(p, Options{Minimizer: m, IterMax: 5, Logger: quietLogger()})
		assert.ErrorIs(t, err, errBoom)
	}
}

func TestInvalidProblems(t *testing.T) {
	valid := Problem{A: identity, AAdjoint: identity, B: []float64{1}, X0: []float64{0}}

	p := valid
	p.Alpha = -1
	_, err := Solve(p, Options{Minimizer: LSQR})
	assert.ErrorIs(t, err, ErrInvalidProblem)

	p = valid
	p.Alpha = 1
	_, err = Solve(p, Options{Minimizer: LSQR})
	assert.ErrorIs(t, err, ErrInvalidProblem, "alpha > 0 needs G")

	_, err = Solve(valid, Options{Minimizer: LSQR, IterMax: -1})
	assert.ErrorIs(t, err, ErrInvalidProblem)

	_, err = Solve(valid, Options{Minimizer: LBFGSB, Loss: Huber})
	assert.ErrorIs(t, err, ErrInvalidProblem, "huber needs a positive gamma")

	_, err = Solve(valid, Options{Minimizer: "trust-region"})
	assert.ErrorIs(t, err, ErrUnknownMinimizer)
}

func TestResiduals(t *testing.T) {
	p := Problem{
		A: identity, AAdjoint: identity,
		G: identity, GAdjoint: identity,
		B: []float64{1, 1}, X0: []float64{0, 0},
	}
	data, prior, err := Residuals(p, []float64{2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 0.5*(1+4), data, 1e-15)
	assert.InDelta(t, 0.5*(4+9), prior, 1e-15)

	p.G = nil
	_, prior, err = Residuals(p, []float64{2, 3})
	require.NoError(t, err)
	assert.Zero(t, prior)
}
