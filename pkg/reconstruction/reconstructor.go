// Package reconstruction runs Tikhonov-regularized super-resolution
// reconstruction of an HR volume from stacks of slices.
package reconstruction

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"mrisrr/internal/models"
	"mrisrr/pkg/interpolation"
	"mrisrr/pkg/operator"
	"mrisrr/pkg/psf"
	"mrisrr/pkg/regularization"
	"mrisrr/pkg/solver"
)

var (
	// ErrNotSolved is returned when results are requested before a
	// successful Run.
	ErrNotSolved = errors.New("reconstruction has not been run")

	// ErrStatisticsNotComputed is returned by residual getters before
	// ComputeStatistics.
	ErrStatisticsNotComputed = errors.New("statistics have not been computed, run ComputeStatistics first")

	// ErrRunning is returned when the configuration is changed during a run.
	ErrRunning = errors.New("reconstruction is running")
)

// Reconstructor handles the super-resolution reconstruction of one HR
// volume from a set of stacks.
//
// The reconstruction process consists of several steps:
// 1. Deriving one PSF covariance and resampling request per slice
// 2. Assembling the masked forward operator and the observation vector
// 3. Choosing the initial value
// 4. Solving the regularized least-squares problem
// 5. Writing the solution back into the HR volume
//
// A Reconstructor is not safe for concurrent use.
type Reconstructor struct {
	// stacks are borrowed and read-only
	stacks []*models.Stack

	// volume is the HR estimate; Run overwrites its data once
	volume *models.Image

	params Params
	logger *slog.Logger

	// op is rebuilt when a setter changes the acquisition model
	op *operator.SliceOperator

	status            solver.Status
	iterations        int
	computationalTime time.Duration

	statsComputed bool
	residualEll2  float64
	residualPrior float64
}

// New creates a reconstructor for the given stacks and HR volume.
// Every precondition is checked here, before any resampling: the stack list
// must be non-empty, every slice non-empty with a mask on its own grid,
// every PSF covariance well defined and the parameters admissible.
//
// Parameters:
//   - stacks: the acquired stacks, borrowed read-only
//   - volume: the HR volume defining the reconstruction grid and, for the
//     FromVolume initializer, the initial value
//   - params: reconstruction parameters, see DefaultParams
func New(stacks []*models.Stack, volume *models.Image, params Params) (*Reconstructor, error) {
	if len(stacks) == 0 {
		return nil, operator.ErrNoStacks
	}
	if volume == nil {
		return nil, fmt.Errorf("%w: missing HR volume", models.ErrInvalidGeometry)
	}
	if err := volume.Validate(); err != nil {
		return nil, fmt.Errorf("HR volume: %w", err)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reconstructor{
		stacks: stacks,
		volume: volume,
		params: params,
		logger: logger,
		status: solver.Uninitialized,
	}
	if err := r.buildOperator(); err != nil {
		return nil, err
	}
	r.status = solver.Configured
	return r, nil
}

func (r *Reconstructor) buildOperator() error {
	var cov *mat.SymDense
	if r.params.Mode == psf.Predefined {
		var err error
		if cov, err = psf.PredefinedCovariance(r.params.PredefinedCovariance); err != nil {
			return invalid(err)
		}
	}
	op, err := operator.New(r.stacks, r.volume.Geometry, operator.Options{
		Mode:                 r.params.Mode,
		PredefinedCovariance: cov,
		AlphaCut:             r.params.AlphaCut,
		Workers:              r.params.Workers,
		Logger:               r.logger,
	})
	if err != nil {
		return err
	}
	r.op = op
	return nil
}

// reconfigure applies a validated parameter change and invalidates any
// previous result.
func (r *Reconstructor) reconfigure(apply func(p *Params), rebuild bool) error {
	if r.status == solver.Running {
		return ErrRunning
	}
	next := r.params
	apply(&next)
	if err := next.validate(); err != nil {
		return err
	}
	prev := r.params
	r.params = next
	if rebuild {
		if err := r.buildOperator(); err != nil {
			r.params = prev
			return err
		}
	}
	r.status = solver.Configured
	r.statsComputed = false
	return nil
}

// SetAlpha sets the regularization weight.
func (r *Reconstructor) SetAlpha(alpha float64) error {
	return r.reconfigure(func(p *Params) { p.Alpha = alpha }, false)
}

// Alpha returns the regularization weight.
func (r *Reconstructor) Alpha() float64 { return r.params.Alpha }

// SetIterMax sets the iteration cap.
func (r *Reconstructor) SetIterMax(n int) error {
	return r.reconfigure(func(p *Params) { p.IterMax = n }, false)
}

// IterMax returns the iteration cap.
func (r *Reconstructor) IterMax() int { return r.params.IterMax }

// SetMinimizer selects the solver backend by name.
func (r *Reconstructor) SetMinimizer(name string) error {
	m, err := solver.ParseMinimizer(name)
	if err != nil {
		return invalid(err)
	}
	return r.reconfigure(func(p *Params) { p.Minimizer = m }, false)
}

// Minimizer returns the configured solver backend. It may differ from the
// backend that runs, see EffectiveMinimizer.
func (r *Reconstructor) Minimizer() solver.Minimizer { return r.params.Minimizer }

// EffectiveMinimizer returns the backend used for the configured loss.
func (r *Reconstructor) EffectiveMinimizer() solver.Minimizer {
	m, _ := solver.ResolveMinimizer(r.params.Minimizer, r.params.Loss)
	return m
}

// SetDataLoss selects the data loss by name.
func (r *Reconstructor) SetDataLoss(name string) error {
	l, err := solver.ParseLoss(name)
	if err != nil {
		return invalid(err)
	}
	return r.reconfigure(func(p *Params) { p.Loss = l }, false)
}

// DataLoss returns the data loss.
func (r *Reconstructor) DataLoss() solver.Loss { return r.params.Loss }

// SetHuberGamma sets the Huber tuning constant.
func (r *Reconstructor) SetHuberGamma(gamma float64) error {
	return r.reconfigure(func(p *Params) { p.HuberGamma = gamma }, false)
}

// HuberGamma returns the Huber tuning constant.
func (r *Reconstructor) HuberGamma() float64 { return r.params.HuberGamma }

// SetAlphaCut sets the blur kernel truncation radius.
func (r *Reconstructor) SetAlphaCut(cut float64) error {
	return r.reconfigure(func(p *Params) { p.AlphaCut = cut }, true)
}

// AlphaCut returns the blur kernel truncation radius.
func (r *Reconstructor) AlphaCut() float64 { return r.params.AlphaCut }

// SetPredefinedCovariance sets the slice-axis PSF covariance used in
// psf.Predefined mode, as 3 diagonal or 9 row-major entries.
func (r *Reconstructor) SetPredefinedCovariance(values []float64) error {
	cp := append([]float64(nil), values...)
	return r.reconfigure(func(p *Params) { p.PredefinedCovariance = cp }, true)
}

// PredefinedCovariance returns the predefined covariance as a 3x3 matrix,
// or nil when none is set.
func (r *Reconstructor) PredefinedCovariance() *mat.SymDense {
	if len(r.params.PredefinedCovariance) == 0 {
		return nil
	}
	cov, err := psf.PredefinedCovariance(r.params.PredefinedCovariance)
	if err != nil {
		return nil
	}
	return cov
}

// SetDeconvolutionMode selects the PSF derivation by name.
func (r *Reconstructor) SetDeconvolutionMode(name string) error {
	m, err := psf.ParseMode(name)
	if err != nil {
		return invalid(err)
	}
	return r.reconfigure(func(p *Params) { p.Mode = m }, true)
}

// DeconvolutionMode returns the PSF derivation mode.
func (r *Reconstructor) DeconvolutionMode() psf.Mode { return r.params.Mode }

// SetRegularizationType selects TK0 or TK1.
func (r *Reconstructor) SetRegularizationType(name string) error {
	t, err := regularization.ParseType(name)
	if err != nil {
		return invalid(err)
	}
	return r.reconfigure(func(p *Params) { p.Regularization = t }, false)
}

// RegularizationType returns the regularization type.
func (r *Reconstructor) RegularizationType() regularization.Type { return r.params.Regularization }

// SetInitializer selects the initial value by name.
func (r *Reconstructor) SetInitializer(name string) error {
	i, err := ParseInitializer(name)
	if err != nil {
		return err
	}
	return r.reconfigure(func(p *Params) { p.Initializer = i }, false)
}

// Status returns the solver state.
func (r *Reconstructor) Status() solver.Status { return r.status }

// Iterations returns the iteration count of the last run.
func (r *Reconstructor) Iterations() int { return r.iterations }

// Reconstruction returns the HR volume, which holds the solution after a
// successful Run.
func (r *Reconstructor) Reconstruction() *models.Image { return r.volume }

// ComputationalTime returns the wall time of the last run.
func (r *Reconstructor) ComputationalTime() time.Duration { return r.computationalTime }

func (r *Reconstructor) solved() bool {
	return r.status == solver.Converged || r.status == solver.MaxIterReached
}

// Run reconstructs the HR volume. On success the volume data is replaced
// by the solution and the status is Converged or MaxIterReached. On failure
// the volume is left untouched and the status is Failed.
func (r *Reconstructor) Run() error {
	if r.status == solver.Running {
		return ErrRunning
	}
	start := time.Now()
	r.status = solver.Running
	r.statsComputed = false
	r.logInfo()

	res, err := r.solve()
	r.computationalTime = time.Since(start)
	if err != nil {
		r.status = solver.Failed
		r.logger.Error("reconstruction failed", "error", err)
		return err
	}

	copy(r.volume.Data, res.X)
	r.status = res.Status
	r.iterations = res.Iterations
	r.logger.Info("reconstruction finished",
		"status", r.status.String(),
		"minimizer", string(res.Minimizer),
		"iterations", r.iterations,
		"elapsed", r.computationalTime.Round(time.Millisecond))
	return nil
}

func (r *Reconstructor) problem() (solver.Problem, error) {
	reg, err := regularization.New(r.params.Regularization, r.volume.Geometry)
	if err != nil {
		return solver.Problem{}, err
	}
	b, err := r.op.Observation()
	if err != nil {
		return solver.Problem{}, err
	}
	return solver.Problem{
		A:        r.op.Forward,
		AAdjoint: r.op.Adjoint,
		G:        reg.Apply,
		GAdjoint: reg.Adjoint,
		B:        b,
		Alpha:    r.params.Alpha,
	}, nil
}

func (r *Reconstructor) solve() (*solver.Result, error) {
	p, err := r.problem()
	if err != nil {
		return nil, err
	}
	if p.X0, err = r.initialValue(); err != nil {
		return nil, err
	}
	return solver.Solve(p, solver.Options{
		Minimizer:  r.params.Minimizer,
		Loss:       r.params.Loss,
		HuberGamma: r.params.HuberGamma,
		IterMax:    r.params.IterMax,
		Tolerance:  r.params.Tolerance,
		Logger:     r.logger,
	})
}

func (r *Reconstructor) initialValue() ([]float64, error) {
	switch r.params.Initializer {
	case Zero:
		return make([]float64, r.volume.NumVoxels()), nil
	case ScatteredData:
		sdaParams := r.params.SDA
		if sdaParams.Logger == nil {
			sdaParams.Logger = r.logger
		}
		sda, err := interpolation.NewSDA(r.stacks, sdaParams)
		if err != nil {
			return nil, fmt.Errorf("initial value: %w", err)
		}
		im, err := sda.Approximate(r.volume.Geometry)
		if err != nil {
			return nil, fmt.Errorf("initial value: %w", err)
		}
		return im.Data, nil
	}
	return operator.ImageToVector(r.volume), nil
}

// ComputeStatistics evaluates the data residual 1/2 ||Ax - b||^2 and the
// prior residual 1/2 ||Gx||^2 at the current reconstruction.
func (r *Reconstructor) ComputeStatistics() error {
	if !r.solved() {
		return ErrNotSolved
	}
	p, err := r.problem()
	if err != nil {
		return err
	}
	data, prior, err := solver.Residuals(p, r.volume.Data)
	if err != nil {
		return err
	}
	r.residualEll2, r.residualPrior = data, prior
	r.statsComputed = true
	return nil
}

// ResidualEll2 returns the data residual computed by ComputeStatistics.
func (r *Reconstructor) ResidualEll2() (float64, error) {
	if !r.statsComputed {
		return 0, ErrStatisticsNotComputed
	}
	return r.residualEll2, nil
}

// ResidualPrior returns the prior residual computed by ComputeStatistics.
func (r *Reconstructor) ResidualPrior() (float64, error) {
	if !r.statsComputed {
		return 0, ErrStatisticsNotComputed
	}
	return r.residualPrior, nil
}

// FinalCost returns ResidualEll2 + alpha*ResidualPrior, computing the
// statistics first if needed.
func (r *Reconstructor) FinalCost() (float64, error) {
	if !r.statsComputed {
		if err := r.ComputeStatistics(); err != nil {
			return 0, err
		}
	}
	return r.residualEll2 + r.params.Alpha*r.residualPrior, nil
}

// SettingSpecificFilename encodes the configuration in a filename such as
// "SRR_stacks3_TK1_lsmr_alpha0p02_itermax10". The loss is included when it
// is not linear or the minimizer is L-BFGS-B; dots become 'p'.
func (r *Reconstructor) SettingSpecificFilename(prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString("stacks")
	sb.WriteString(strconv.Itoa(len(r.stacks)))
	if r.params.Alpha > 0 {
		sb.WriteString("_" + r.params.Regularization.String())
	}
	m := r.EffectiveMinimizer()
	sb.WriteString("_" + string(m))
	if r.params.Loss != solver.Linear || m == solver.LBFGSB {
		sb.WriteString("_" + r.params.Loss.String())
		if r.params.Loss == solver.Huber {
			sb.WriteString(formatFloat(r.params.HuberGamma))
		}
	}
	sb.WriteString("_alpha" + formatFloat(r.params.Alpha))
	sb.WriteString("_itermax" + strconv.Itoa(r.params.IterMax))
	return strings.ReplaceAll(sb.String(), ".", "p")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// logInfo prints the solver settings of the upcoming run.
func (r *Reconstructor) logInfo() {
	p := r.params
	order := "First-order Tikhonov"
	if p.Regularization == regularization.TK0 {
		order = "Zeroth-order Tikhonov"
	}
	attrs := []any{
		"regularization", order,
		"deconvolution", p.Mode.String(),
		"loss", p.Loss.String(),
		"alpha", p.Alpha,
		"minimizer", string(p.Minimizer),
		"iterMax", p.IterMax,
		"initializer", p.Initializer.String(),
		"stacks", len(r.stacks),
		"slices", r.op.Layout().Len(),
		"sliceVoxels", humanize.Comma(int64(r.op.Layout().Total())),
		"volumeVoxels", humanize.Comma(int64(r.volume.NumVoxels())),
	}
	if p.Loss == solver.Huber {
		attrs = append(attrs, "huberGamma", p.HuberGamma)
	}
	if p.Mode == psf.Predefined {
		attrs = append(attrs, "predefinedCovariance", p.PredefinedCovariance)
	}
	r.logger.Info("Tikhonov solver", attrs...)
}
