package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"mrisrr/internal/models"
	"mrisrr/internal/phantom"
	"mrisrr/pkg/config"
	"mrisrr/pkg/psf"
	"mrisrr/pkg/reconstruction"
	"mrisrr/pkg/visualization"
)

var simulateOverrides struct {
	outputDir string
	alpha     float64
	iterMax   int
	minimizer string
	stacks    int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Reconstruct a synthetic phantom from simulated slice stacks",
	Long: `Simulate thick-slice acquisitions of a Gaussian-blob phantom, reconstruct
the high-resolution volume from them and compare the result with the ground
truth. The reconstruction is written as a raw float64 volume with a YAML
header, next to a report and optional JPEG previews of the central planes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		applyOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := newLogger(verbose || cfg.Output.Verbose)
		report, err := runSimulation(cfg, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reconstruction written to %s.raw\n", report.Output)
		return nil
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simulateOverrides.outputDir, "output", "o", "", "Output directory")
	f.Float64Var(&simulateOverrides.alpha, "alpha", 0, "Regularization weight")
	f.IntVar(&simulateOverrides.iterMax, "iter-max", 0, "Maximum solver iterations")
	f.StringVar(&simulateOverrides.minimizer, "minimizer", "", "lsmr, lsqr or L-BFGS-B")
	f.IntVar(&simulateOverrides.stacks, "stacks", 0, "Number of orthogonal stacks (1 to 3)")
}

// applyOverrides copies explicitly set flags into cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("output") {
		cfg.Output.Directory = simulateOverrides.outputDir
	}
	if f.Changed("alpha") {
		cfg.Reconstruction.Alpha = simulateOverrides.alpha
	}
	if f.Changed("iter-max") {
		cfg.Reconstruction.IterMax = simulateOverrides.iterMax
	}
	if f.Changed("minimizer") {
		cfg.Reconstruction.Minimizer = simulateOverrides.minimizer
	}
	if f.Changed("stacks") {
		cfg.Simulation.Stacks = simulateOverrides.stacks
	}
}

// Report summarises a simulation run. It is written next to the
// reconstruction as YAML.
type Report struct {
	Output            string                           `yaml:"output"`
	Status            string                           `yaml:"status"`
	Iterations        int                              `yaml:"iterations"`
	Minimizer         string                           `yaml:"minimizer"`
	ComputationalTime time.Duration                    `yaml:"computationalTime"`
	ResidualEll2      float64                          `yaml:"residualEll2"`
	ResidualPrior     float64                          `yaml:"residualPrior"`
	FinalCost         float64                          `yaml:"finalCost"`
	Metrics           reconstruction.ValidationMetrics `yaml:"metrics"`
}

func runSimulation(cfg *config.Config, logger *slog.Logger) (*Report, error) {
	params, err := reconstruction.ParamsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	params.Logger = logger

	s := cfg.Simulation
	geom := phantom.CubeGeometry(s.VolumeSize, s.VolumeSpacing)
	truth, err := phantom.Volume(geom, phantom.DefaultBlobs(geom))
	if err != nil {
		return nil, err
	}

	var cov *mat.SymDense
	if params.Mode == psf.Predefined {
		if cov, err = psf.PredefinedCovariance(params.PredefinedCovariance); err != nil {
			return nil, err
		}
	}
	specs := phantom.OrthogonalSpecs(s.Stacks, s.SlicesPerStack, s.SliceSize, s.InPlaneSpacing, s.SliceThickness)
	stacks, err := phantom.Simulate(truth, specs, phantom.Options{
		Mode:                 params.Mode,
		PredefinedCovariance: cov,
		AlphaCut:             params.AlphaCut,
		NoiseSigma:           s.NoiseSigma,
		Seed:                 s.Seed,
		Workers:              params.Workers,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("simulating stacks: %w", err)
	}
	logger.Info("Simulated stacks",
		"stacks", len(stacks),
		"slicesPerStack", s.SlicesPerStack,
		"volume", fmt.Sprintf("%d^3", s.VolumeSize),
		"volumeVoxels", humanize.Comma(int64(geom.NumVoxels())))

	rec, err := reconstruction.New(stacks, models.NewImage(geom), params)
	if err != nil {
		return nil, err
	}
	if err := rec.Run(); err != nil {
		return nil, err
	}
	if err := rec.ComputeStatistics(); err != nil {
		return nil, err
	}

	report := &Report{
		Status:            rec.Status().String(),
		Iterations:        rec.Iterations(),
		Minimizer:         string(rec.EffectiveMinimizer()),
		ComputationalTime: rec.ComputationalTime(),
	}
	if report.ResidualEll2, err = rec.ResidualEll2(); err != nil {
		return nil, err
	}
	if report.ResidualPrior, err = rec.ResidualPrior(); err != nil {
		return nil, err
	}
	if report.FinalCost, err = rec.FinalCost(); err != nil {
		return nil, err
	}
	if report.Metrics, err = reconstruction.Compare(truth, rec.Reconstruction()); err != nil {
		return nil, err
	}
	logger.Info("Reconstruction quality",
		"rmse", report.Metrics.RMSE,
		"relativeError", report.Metrics.RelativeError,
		"ncc", report.Metrics.NCC,
		"psnr", report.Metrics.PSNR,
		"ssim", report.Metrics.SSIM)

	if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	report.Output = filepath.Join(cfg.Output.Directory, rec.SettingSpecificFilename(cfg.Output.Prefix))
	if err := writeOutputs(cfg, rec.Reconstruction(), report, logger); err != nil {
		return nil, err
	}
	return report, nil
}

func writeOutputs(cfg *config.Config, volume *models.Image, report *Report, logger *slog.Logger) error {
	viewer, err := visualization.NewViewer(volume)
	if err != nil {
		return err
	}
	if err := viewer.SaveRaw(report.Output); err != nil {
		return err
	}

	if cfg.Output.SaveSlices {
		for a, axis := range []string{"x", "y", "z"} {
			img, err := viewer.ExtractSlice(axis, volume.Size[a]/2)
			if err != nil {
				return err
			}
			if err := viewer.SaveSlice(img, fmt.Sprintf("%s_%s.jpg", report.Output, axis)); err != nil {
				return fmt.Errorf("saving %s preview: %w", axis, err)
			}
		}
	}

	if err := config.SaveConfig(cfg, report.Output+"_config.yaml"); err != nil {
		return err
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(report.Output+"_report.yaml", data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if info, err := os.Stat(report.Output + ".raw"); err == nil {
		logger.Info("Saved reconstruction", "path", report.Output+".raw", "size", humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
