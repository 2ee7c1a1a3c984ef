// Package config provides configuration loading and management for mrisrr.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mrisrr/pkg/psf"
	"mrisrr/pkg/regularization"
	"mrisrr/pkg/solver"
)

// ErrInvalidOption is returned for configuration values outside their
// admissible range or enumeration.
var ErrInvalidOption = errors.New("invalid option")

// Initial value choices for the reconstruction.
const (
	InitializerVolume = "volume"
	InitializerZero   = "zero"
	InitializerSDA    = "sda"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// AlphaCut is the truncation radius of the blur kernel in standard deviations
		AlphaCut float64 `yaml:"alphaCut"`

		// Alpha is the regularization weight; 0 disables the prior term
		Alpha float64 `yaml:"alpha"`

		// IterMax caps the solver iterations
		IterMax int `yaml:"iterMax"`

		// Tolerance is the solver stopping tolerance
		Tolerance float64 `yaml:"tolerance"`

		// Minimizer is one of lsmr, lsqr, L-BFGS-B
		Minimizer string `yaml:"minimizer"`

		// DeconvolutionMode is one of full_3D, only_in_plane, predefined_covariance
		DeconvolutionMode string `yaml:"deconvolutionMode"`

		// DataLoss is one of linear, soft_l1, huber, cauchy, arctan
		DataLoss string `yaml:"dataLoss"`

		// HuberGamma is the Huber tuning constant
		HuberGamma float64 `yaml:"huberGamma"`

		// RegType is TK0 or TK1
		RegType string `yaml:"regType"`

		// PredefinedCovariance holds 3 diagonal or 9 row-major entries in mm²
		PredefinedCovariance []float64 `yaml:"predefinedCovariance,omitempty"`

		// Initializer is one of volume, zero, sda
		Initializer string `yaml:"initializer"`
	} `yaml:"reconstruction"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the number of slices evaluated concurrently
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Directory receives the reconstruction and its previews
		Directory string `yaml:"directory"`

		// Prefix starts the setting specific filename
		Prefix string `yaml:"prefix"`

		// SaveSlices writes JPEG previews of the central orthogonal planes
		SaveSlices bool `yaml:"saveSlices"`

		// Verbose switches logging to debug level
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Simulation parameters for the synthetic phantom experiment
	Simulation struct {
		// VolumeSize is the edge length of the cubic ground truth in voxels
		VolumeSize int `yaml:"volumeSize"`

		// VolumeSpacing is the isotropic ground truth spacing in mm
		VolumeSpacing float64 `yaml:"volumeSpacing"`

		// Stacks is the number of orthogonal stacks (1 to 3)
		Stacks int `yaml:"stacks"`

		// SlicesPerStack is the number of slices in every stack
		SlicesPerStack int `yaml:"slicesPerStack"`

		// SliceSize is the in-plane edge length of each slice in voxels
		SliceSize int `yaml:"sliceSize"`

		// InPlaneSpacing is the in-plane slice spacing in mm
		InPlaneSpacing float64 `yaml:"inPlaneSpacing"`

		// SliceThickness is the through-plane slice spacing in mm
		SliceThickness float64 `yaml:"sliceThickness"`

		// NoiseSigma is the standard deviation of additive Gaussian noise
		NoiseSigma float64 `yaml:"noiseSigma"`

		// Seed drives the noise generator
		Seed int64 `yaml:"seed"`
	} `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reconstruction.AlphaCut = 3
	cfg.Reconstruction.Alpha = 0.02
	cfg.Reconstruction.IterMax = 10
	cfg.Reconstruction.Tolerance = solver.DefaultTolerance
	cfg.Reconstruction.Minimizer = string(solver.LSMR)
	cfg.Reconstruction.DeconvolutionMode = psf.FullThreeD.String()
	cfg.Reconstruction.DataLoss = solver.Linear.String()
	cfg.Reconstruction.HuberGamma = solver.DefaultHuberGamma
	cfg.Reconstruction.RegType = regularization.TK1.String()
	cfg.Reconstruction.Initializer = InitializerVolume

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Directory = "output"
	cfg.Output.Prefix = "SRR_"
	cfg.Output.SaveSlices = true
	cfg.Output.Verbose = false

	cfg.Simulation.VolumeSize = 32
	cfg.Simulation.VolumeSpacing = 1
	cfg.Simulation.Stacks = 2
	cfg.Simulation.SlicesPerStack = 5
	cfg.Simulation.SliceSize = 64
	cfg.Simulation.InPlaneSpacing = 1
	cfg.Simulation.SliceThickness = 3
	cfg.Simulation.NoiseSigma = 0
	cfg.Simulation.Seed = 1

	return cfg
}

// Validate checks every option and reports the first invalid one wrapped
// in ErrInvalidOption.
func (c *Config) Validate() error {
	r := c.Reconstruction
	if _, err := solver.ParseMinimizer(r.Minimizer); err != nil {
		return fmt.Errorf("%w: minimizer: %w", ErrInvalidOption, err)
	}
	if _, err := solver.ParseLoss(r.DataLoss); err != nil {
		return fmt.Errorf("%w: dataLoss: %w", ErrInvalidOption, err)
	}
	if _, err := regularization.ParseType(r.RegType); err != nil {
		return fmt.Errorf("%w: regType: %w", ErrInvalidOption, err)
	}
	mode, err := psf.ParseMode(r.DeconvolutionMode)
	if err != nil {
		return fmt.Errorf("%w: deconvolutionMode: %w", ErrInvalidOption, err)
	}
	if mode == psf.Predefined || len(r.PredefinedCovariance) > 0 {
		if _, err := psf.PredefinedCovariance(r.PredefinedCovariance); err != nil {
			return fmt.Errorf("%w: predefinedCovariance: %w", ErrInvalidOption, err)
		}
	}
	switch r.Initializer {
	case InitializerVolume, InitializerZero, InitializerSDA:
	default:
		return fmt.Errorf("%w: initializer %q (want volume, zero or sda)", ErrInvalidOption, r.Initializer)
	}

	switch {
	case !positive(r.AlphaCut):
		return fmt.Errorf("%w: alphaCut %g must be positive", ErrInvalidOption, r.AlphaCut)
	case !nonNegative(r.Alpha):
		return fmt.Errorf("%w: alpha %g must be non-negative", ErrInvalidOption, r.Alpha)
	case r.IterMax < 0:
		return fmt.Errorf("%w: iterMax %d must be non-negative", ErrInvalidOption, r.IterMax)
	case !nonNegative(r.Tolerance):
		return fmt.Errorf("%w: tolerance %g must be non-negative", ErrInvalidOption, r.Tolerance)
	case !positive(r.HuberGamma):
		return fmt.Errorf("%w: huberGamma %g must be positive", ErrInvalidOption, r.HuberGamma)
	case c.Processing.NumWorkers < 0:
		return fmt.Errorf("%w: numWorkers %d must be non-negative", ErrInvalidOption, c.Processing.NumWorkers)
	}

	s := c.Simulation
	switch {
	case s.VolumeSize <= 0 || s.SliceSize <= 0 || s.SlicesPerStack <= 0:
		return fmt.Errorf("%w: simulation sizes must be positive", ErrInvalidOption)
	case s.Stacks < 1 || s.Stacks > 3:
		return fmt.Errorf("%w: simulation stacks %d must be between 1 and 3", ErrInvalidOption, s.Stacks)
	case !positive(s.VolumeSpacing) || !positive(s.InPlaneSpacing) || !positive(s.SliceThickness):
		return fmt.Errorf("%w: simulation spacings must be positive", ErrInvalidOption)
	case !nonNegative(s.NoiseSigma):
		return fmt.Errorf("%w: simulation noiseSigma %g must be non-negative", ErrInvalidOption, s.NoiseSigma)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
