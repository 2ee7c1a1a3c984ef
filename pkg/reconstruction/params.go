package reconstruction

import (
	"fmt"
	"log/slog"
	"math"

	"mrisrr/pkg/config"
	"mrisrr/pkg/interpolation"
	"mrisrr/pkg/psf"
	"mrisrr/pkg/regularization"
	"mrisrr/pkg/resampling"
	"mrisrr/pkg/solver"
)

// Initializer selects the initial value x0 of the solve.
type Initializer int

const (
	// FromVolume starts from the current HR volume estimate.
	FromVolume Initializer = iota
	// Zero starts from the zero volume.
	Zero
	// ScatteredData starts from a scattered-data approximation of all
	// masked slice voxels.
	ScatteredData
)

func (i Initializer) String() string {
	switch i {
	case FromVolume:
		return config.InitializerVolume
	case Zero:
		return config.InitializerZero
	case ScatteredData:
		return config.InitializerSDA
	}
	return fmt.Sprintf("Initializer(%d)", int(i))
}

// ParseInitializer converts a configuration name into an Initializer.
func ParseInitializer(s string) (Initializer, error) {
	switch s {
	case config.InitializerVolume:
		return FromVolume, nil
	case config.InitializerZero:
		return Zero, nil
	case config.InitializerSDA:
		return ScatteredData, nil
	}
	return 0, fmt.Errorf("%w: initializer %q (want volume, zero or sda)", config.ErrInvalidOption, s)
}

// Params holds the reconstruction parameters.
type Params struct {
	// AlphaCut is the blur kernel truncation radius in standard deviations
	AlphaCut float64

	// Alpha is the Tikhonov weight; 0 disables the prior term
	Alpha float64

	// IterMax caps the solver iterations
	IterMax int

	// Tolerance is the solver stopping tolerance; 0 selects the solver default
	Tolerance float64

	Minimizer      solver.Minimizer
	Mode           psf.Mode
	Loss           solver.Loss
	HuberGamma     float64
	Regularization regularization.Type

	// PredefinedCovariance holds 3 diagonal or 9 row-major entries and is
	// required in psf.Predefined mode
	PredefinedCovariance []float64

	Initializer Initializer

	// SDA configures the ScatteredData initializer
	SDA interpolation.Params

	// Workers bounds the number of slices evaluated concurrently
	Workers int

	// Logger receives progress and diagnostics; nil selects slog.Default()
	Logger *slog.Logger
}

// DefaultParams returns the default reconstruction parameters.
func DefaultParams() Params {
	return Params{
		AlphaCut:       resampling.DefaultCutoff,
		Alpha:          0.02,
		IterMax:        10,
		Minimizer:      solver.LSMR,
		Mode:           psf.FullThreeD,
		Loss:           solver.Linear,
		HuberGamma:     solver.DefaultHuberGamma,
		Regularization: regularization.TK1,
		Initializer:    FromVolume,
		SDA:            interpolation.DefaultParams(),
	}
}

// ParamsFromConfig translates a validated configuration into Params.
func ParamsFromConfig(cfg *config.Config) (Params, error) {
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}
	r := cfg.Reconstruction
	p := DefaultParams()
	p.AlphaCut = r.AlphaCut
	p.Alpha = r.Alpha
	p.IterMax = r.IterMax
	p.Tolerance = r.Tolerance
	p.HuberGamma = r.HuberGamma
	p.Workers = cfg.Processing.NumWorkers
	p.SDA.Workers = cfg.Processing.NumWorkers
	if len(r.PredefinedCovariance) > 0 {
		p.PredefinedCovariance = append([]float64(nil), r.PredefinedCovariance...)
	}

	var err error
	if p.Minimizer, err = solver.ParseMinimizer(r.Minimizer); err != nil {
		return Params{}, invalid(err)
	}
	if p.Mode, err = psf.ParseMode(r.DeconvolutionMode); err != nil {
		return Params{}, invalid(err)
	}
	if p.Loss, err = solver.ParseLoss(r.DataLoss); err != nil {
		return Params{}, invalid(err)
	}
	if p.Regularization, err = regularization.ParseType(r.RegType); err != nil {
		return Params{}, invalid(err)
	}
	if p.Initializer, err = ParseInitializer(r.Initializer); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) validate() error {
	if !(p.AlphaCut > 0) || math.IsInf(p.AlphaCut, 0) {
		return fmt.Errorf("%w: alpha cut %g must be positive", config.ErrInvalidOption, p.AlphaCut)
	}
	if !(p.Alpha >= 0) || math.IsInf(p.Alpha, 0) {
		return fmt.Errorf("%w: alpha %g must be non-negative", config.ErrInvalidOption, p.Alpha)
	}
	if p.IterMax < 0 {
		return fmt.Errorf("%w: iteration cap %d must be non-negative", config.ErrInvalidOption, p.IterMax)
	}
	if !(p.HuberGamma > 0) || math.IsInf(p.HuberGamma, 0) {
		return fmt.Errorf("%w: huber gamma %g must be positive", config.ErrInvalidOption, p.HuberGamma)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance %g must be non-negative", config.ErrInvalidOption, p.Tolerance)
	}
	if _, err := solver.ParseMinimizer(string(p.Minimizer)); err != nil {
		return invalid(err)
	}
	if _, err := solver.ParseLoss(p.Loss.String()); err != nil {
		return invalid(err)
	}
	if _, err := regularization.ParseType(p.Regularization.String()); err != nil {
		return invalid(err)
	}
	if _, err := psf.ParseMode(p.Mode.String()); err != nil {
		return invalid(err)
	}
	if _, err := ParseInitializer(p.Initializer.String()); err != nil {
		return err
	}
	if p.Mode == psf.Predefined || len(p.PredefinedCovariance) > 0 {
		if _, err := psf.PredefinedCovariance(p.PredefinedCovariance); err != nil {
			return invalid(err)
		}
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", config.ErrInvalidOption, err)
}
