package solver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// boundPenalty sets the exterior penalty mu/2 ||min(x, 0)||^2 that keeps
// the quasi-Newton iterates near the feasible set x >= 0. mu is at least
// boundPenalty and grows with the initial gradient relative to the
// intensity scale; see penaltyWeight. The final iterate is projected
// exactly.
const boundPenalty = 1e3

// lbfgsMemory is the number of correction pairs kept by L-BFGS.
const lbfgsMemory = 10

// objective evaluates the robust data term, the Tikhonov prior and the
// bound penalty. Function and gradient share one evaluation per point
// because the optimizer asks for them separately.
type objective struct {
	p     Problem
	loss  lossFunc
	mu    float64
	evals int

	x    []float64
	f    float64
	grad []float64
	err  error
}

func (o *objective) evaluate(x []float64) {
	if o.err != nil {
		return
	}
	if o.x != nil && floats.Equal(o.x, x) {
		return
	}
	o.evals++
	f, grad, err := o.compute(x)
	if err != nil {
		o.err = err
		return
	}
	if o.x == nil {
		o.x = make([]float64, len(x))
	}
	copy(o.x, x)
	o.f, o.grad = f, grad
}

func (o *objective) compute(x []float64) (float64, []float64, error) {
	r, err := o.p.A(x)
	if err != nil {
		return 0, nil, err
	}
	if len(r) != len(o.p.B) {
		return 0, nil, fmt.Errorf("%w: A returned %d values, observation has %d", ErrInvalidProblem, len(r), len(o.p.B))
	}
	floats.Sub(r, o.p.B)

	var f float64
	for i, ri := range r {
		rho, drho := o.loss.eval(ri * ri)
		f += 0.5 * rho
		r[i] = drho * ri
	}
	grad, err := o.p.AAdjoint(r)
	if err != nil {
		return 0, nil, err
	}

	if o.p.Alpha > 0 {
		gx, err := o.p.G(x)
		if err != nil {
			return 0, nil, err
		}
		nrm := floats.Norm(gx, 2)
		f += 0.5 * o.p.Alpha * nrm * nrm
		gtgx, err := o.p.GAdjoint(gx)
		if err != nil {
			return 0, nil, err
		}
		floats.AddScaled(grad, o.p.Alpha, gtgx)
	}

	for i, xi := range x {
		if xi < 0 {
			f += 0.5 * o.mu * xi * xi
			grad[i] += o.mu * xi
		}
	}

	if !finite(f) || !finite(grad...) {
		return 0, nil, fmt.Errorf("%w: objective evaluation %d", ErrNonFinite, o.evals)
	}
	return f, grad, nil
}

func (o *objective) problem() optimize.Problem {
	return optimize.Problem{
		// After a failed evaluation the optimizer sees an infinite cost with
		// a flat gradient, which ends the run; the stored error wins.
		Func: func(x []float64) float64 {
			o.evaluate(x)
			if o.err != nil {
				return math.Inf(1)
			}
			return o.f
		},
		Grad: func(grad, x []float64) {
			o.evaluate(x)
			if o.err != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			copy(grad, o.grad)
		},
	}
}

// penaltyWeight scales boundPenalty so that the penalty gradient at a
// violation of scale/boundPenalty matches the initial gradient, where scale
// is the largest magnitude in b or x0.
func penaltyWeight(grad, b, x0 []float64) float64 {
	scale := math.Max(floats.Norm(b, math.Inf(1)), floats.Norm(x0, math.Inf(1)))
	g := floats.Norm(grad, math.Inf(1))
	if !(scale > 0) || !(g > 0) {
		return boundPenalty
	}
	return boundPenalty * math.Max(1, g/scale)
}

// lineSearchStopped reports whether err only says that the line search
// could not improve the iterate any further.
func lineSearchStopped(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) ||
		errors.Is(err, optimize.ErrNoProgress) ||
		errors.Is(err, optimize.ErrNonDescentDirection) ||
		errors.Is(err, optimize.ErrLinesearcherBound)
}

func solveLBFGS(p Problem, opts Options, logger *slog.Logger) (*Result, error) {
	x0 := append([]float64(nil), p.X0...)
	if opts.IterMax == 0 {
		projectNonNegative(x0)
		return &Result{X: x0, Status: MaxIterReached}, nil
	}

	obj := &objective{p: p, loss: newLossFunc(opts.Loss, opts.HuberGamma)}
	obj.evaluate(x0)
	if obj.err != nil {
		return &Result{Status: Failed}, obj.err
	}
	obj.mu = penaltyWeight(obj.grad, p.B, x0)
	obj.x = nil
	logger.Debug("l-bfgs start", "cost", obj.f, "unknowns", len(x0), "boundPenalty", obj.mu)
	settings := &optimize.Settings{
		MajorIterations:   opts.IterMax,
		GradientThreshold: opts.Tolerance * 1e-3,
		Converger: &optimize.FunctionConverge{
			Relative:   opts.Tolerance,
			Iterations: 3,
		},
	}
	res, err := optimize.Minimize(obj.problem(), x0, settings, &optimize.LBFGS{Store: lbfgsMemory})
	if obj.err != nil {
		return &Result{Status: Failed}, obj.err
	}
	if res == nil {
		return &Result{Status: Failed}, fmt.Errorf("l-bfgs: %w", err)
	}

	x := append([]float64(nil), res.X...)
	projectNonNegative(x)
	out := &Result{X: x, Iterations: res.Stats.MajorIterations}

	switch {
	case res.Status == optimize.IterationLimit:
		out.Status = MaxIterReached
	case lineSearchStopped(err):
		// The iterate cannot be improved at working precision.
		logger.Debug("l-bfgs stopped by line search", "error", err, "iterations", out.Iterations)
		out.Status = Converged
	case err != nil:
		return &Result{Status: Failed, Iterations: out.Iterations}, fmt.Errorf("l-bfgs: %w", err)
	default:
		out.Status = Converged
	}
	logger.Debug("l-bfgs finished", "status", res.Status.String(), "cost", res.F,
		"evaluations", obj.evals, "iterations", out.Iterations)
	return out, nil
}
