// Package solver minimizes the Tikhonov-regularized least-squares problem
//
//	1/2 sum_i rho(|(A x - b)_i|^2) + alpha/2 ||G x||^2,   x >= 0
//
// through operator closures, without materializing any matrix.
package solver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrNonFinite is returned when a residual or iterate becomes NaN or
	// infinite. It is fatal for the solve.
	ErrNonFinite = errors.New("non-finite value during solve")

	// ErrInvalidProblem is returned for malformed problems or options.
	ErrInvalidProblem = errors.New("invalid problem")
)

// Operator is a linear map on flat vectors.
type Operator func(x []float64) ([]float64, error)

// Problem holds the operators and data of one solve.
type Problem struct {
	A        Operator // forward model MA
	AAdjoint Operator // A^T M
	G        Operator // regularizer
	GAdjoint Operator // G^T
	B        []float64
	X0       []float64
	Alpha    float64
}

// Options selects the numerical method.
type Options struct {
	Minimizer  Minimizer
	Loss       Loss
	HuberGamma float64
	IterMax    int

	// Tolerance is used as atol and btol by the Krylov solvers and as the
	// relative function tolerance by L-BFGS. Zero selects DefaultTolerance.
	Tolerance float64

	// Logger receives diagnostics; nil selects slog.Default()
	Logger *slog.Logger
}

// DefaultTolerance is the default stopping tolerance.
const DefaultTolerance = 1e-8

// conditionLimit stops Krylov solvers once the estimated condition number
// of the augmented operator exceeds it.
const conditionLimit = 1e8

// Result is the outcome of Solve.
type Result struct {
	// X is the final iterate, projected onto x >= 0
	X []float64

	Status     Status
	Iterations int

	// Minimizer is the backend that actually ran
	Minimizer Minimizer

	ComputationalTime time.Duration
}

func (p Problem) validate() error {
	switch {
	case p.A == nil || p.AAdjoint == nil:
		return fmt.Errorf("%w: missing data operators", ErrInvalidProblem)
	case p.Alpha > 0 && (p.G == nil || p.GAdjoint == nil):
		return fmt.Errorf("%w: missing regularization operators", ErrInvalidProblem)
	case len(p.X0) == 0:
		return fmt.Errorf("%w: empty initial value", ErrInvalidProblem)
	case len(p.B) == 0:
		return fmt.Errorf("%w: empty observation", ErrInvalidProblem)
	case !(p.Alpha >= 0) || math.IsInf(p.Alpha, 0):
		return fmt.Errorf("%w: alpha %g must be finite and non-negative", ErrInvalidProblem, p.Alpha)
	}
	for _, v := range p.B {
		if !finite(v) {
			return fmt.Errorf("%w: observation", ErrNonFinite)
		}
	}
	for _, v := range p.X0 {
		if !finite(v) {
			return fmt.Errorf("%w: initial value", ErrNonFinite)
		}
	}
	return nil
}

// Solve runs the configured minimizer from p.X0. Reaching IterMax is a
// normal outcome reported through Result.Status. Non-finite values abort
// the solve with ErrNonFinite and a Failed result.
func Solve(p Problem, opts Options) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if opts.IterMax < 0 {
		return nil, fmt.Errorf("%w: iteration cap %d", ErrInvalidProblem, opts.IterMax)
	}
	if opts.Loss == Huber && !(opts.HuberGamma > 0) {
		return nil, fmt.Errorf("%w: huber gamma %g must be positive", ErrInvalidProblem, opts.HuberGamma)
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	minimizer, downgraded := ResolveMinimizer(opts.Minimizer, opts.Loss)
	if downgraded {
		logger.Warn("selected minimizer cannot handle a non-linear loss, using L-BFGS-B",
			"minimizer", string(opts.Minimizer), "loss", opts.Loss.String())
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch minimizer {
	case LSMR, LSQR:
		res, err = solveKrylov(p, minimizer, opts, logger)
	case LBFGSB:
		res, err = solveLBFGS(p, opts, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMinimizer, string(minimizer))
	}
	if res == nil {
		res = &Result{Status: Failed}
	}
	res.Minimizer = minimizer
	res.ComputationalTime = time.Since(start)
	if err != nil {
		res.Status = Failed
		return res, err
	}
	for _, v := range res.X {
		if !finite(v) {
			res.Status = Failed
			return res, fmt.Errorf("%w: final iterate", ErrNonFinite)
		}
	}
	logger.Debug("solve finished", "minimizer", string(minimizer), "status", res.Status.String(),
		"iterations", res.Iterations, "elapsed", res.ComputationalTime)
	return res, nil
}

// solveKrylov solves the augmented linear system
//
//	[ A        ]        [ b ]
//	[ sqrt(a) G ] x  ~=  [ 0 ]
//
// for the correction dx = x - x0, then projects x onto x >= 0.
func solveKrylov(p Problem, m Minimizer, opts Options, logger *slog.Logger) (*Result, error) {
	n := len(p.X0)
	nb := len(p.B)
	sqrtAlpha := math.Sqrt(p.Alpha)

	ax0, err := p.A(p.X0)
	if err != nil {
		return nil, err
	}
	if len(ax0) != nb {
		return nil, fmt.Errorf("%w: A returned %d values, observation has %d", ErrInvalidProblem, len(ax0), nb)
	}
	rhs := make([]float64, nb)
	floats.SubTo(rhs, p.B, ax0)

	ng := 0
	if p.Alpha > 0 {
		gx0, err := p.G(p.X0)
		if err != nil {
			return nil, err
		}
		ng = len(gx0)
		floats.Scale(-sqrtAlpha, gx0)
		rhs = append(rhs, gx0...)
	}

	op := linearOperator{
		m: nb + ng,
		n: n,
		apply: func(x []float64) ([]float64, error) {
			out, err := p.A(x)
			if err != nil || ng == 0 {
				return out, err
			}
			gx, err := p.G(x)
			if err != nil {
				return nil, err
			}
			floats.Scale(sqrtAlpha, gx)
			return append(out, gx...), nil
		},
		adjoint: func(u []float64) ([]float64, error) {
			out, err := p.AAdjoint(u[:nb])
			if err != nil || ng == 0 {
				return out, err
			}
			gtu, err := p.GAdjoint(u[nb:])
			if err != nil {
				return nil, err
			}
			floats.AddScaled(out, sqrtAlpha, gtu)
			return out, nil
		},
	}
	settings := krylovSettings{
		iterMax: opts.IterMax,
		atol:    opts.Tolerance,
		btol:    opts.Tolerance,
		conlim:  conditionLimit,
		logger:  logger,
	}

	var kr krylovResult
	if m == LSQR {
		kr, err = lsqr(op, rhs, settings)
	} else {
		kr, err = lsmr(op, rhs, settings)
	}
	if err != nil {
		return nil, err
	}

	x := make([]float64, n)
	floats.AddTo(x, p.X0, kr.x)
	projectNonNegative(x)

	status := MaxIterReached
	if kr.converged {
		status = Converged
	}
	return &Result{X: x, Status: status, Iterations: kr.iterations}, nil
}

func projectNonNegative(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// Residuals returns the data term 1/2 ||A x - b||^2 and the prior term
// 1/2 ||G x||^2 at x. The prior is zero when G is nil.
func Residuals(p Problem, x []float64) (data, prior float64, err error) {
	ax, err := p.A(x)
	if err != nil {
		return 0, 0, err
	}
	if len(ax) != len(p.B) {
		return 0, 0, fmt.Errorf("%w: A returned %d values, observation has %d", ErrInvalidProblem, len(ax), len(p.B))
	}
	dist := floats.Distance(ax, p.B, 2)
	data = 0.5 * dist * dist
	if p.G != nil {
		gx, err := p.G(x)
		if err != nil {
			return 0, 0, err
		}
		nrm := floats.Norm(gx, 2)
		prior = 0.5 * nrm * nrm
	}
	if !finite(data, prior) {
		return 0, 0, fmt.Errorf("%w: residual", ErrNonFinite)
	}
	return data, prior, nil
}
