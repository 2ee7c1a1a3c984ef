// Command mrisrr reconstructs an isotropic high-resolution volume from
// thick-slice MRI stacks. The simulate command runs the full pipeline on a
// synthetic phantom and reports how close the reconstruction gets to it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "mrisrr",
	Short:         "Volumetric super-resolution reconstruction from MRI slice stacks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to the YAML configuration file (defaults apply if it does not exist)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log solver progress at debug level")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)
}

// newLogger returns a text logger on stderr. Debug output is enabled by the
// --verbose flag or output.verbose in the configuration.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
