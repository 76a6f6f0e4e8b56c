package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/lapse/config"
	_ "github.com/jamesainslie/lapse/pkg/lapse/device/gstreamer"
	_ "github.com/jamesainslie/lapse/pkg/lapse/device/sim"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "lapse",
		Short: "Capture well-exposed, in-focus timelapse frames",
		Long: `Lapse captures a frame every period, tuning exposure and focus before
each shot so that frames stay usable as the light changes.

Run the capture loop in the background with the lapsed daemon, or run
single cycles from the command line.

Examples:
  lapse capture              # Run one capture cycle now
  lapse tune --tui           # Watch exposure and focus converge
  lapse daemon start         # Start the background capture loop
  lapse history              # Show recent cycles
  lapse frames prune         # Apply frame retention`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/lapse/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")
}

// setup loads the configuration and starts logging.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadFile(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return initLogging(false)
}

// initLogging starts file logging with a console mirror. A full-screen
// view passes tui to silence the mirror.
func initLogging(tui bool) error {
	logCfg, err := cfg.Logging.Runtime()
	if err != nil {
		return err
	}
	logCfg.ConsoleLevel = "warn"
	if verbose {
		logCfg.ConsoleLevel = "debug"
		logCfg.Level = "debug"
	}
	logCfg.Quiet = tui || quiet
	_ = logging.Close()
	return logging.Init(logCfg)
}

// Execute runs the root command until it finishes or a signal arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = logging.Close() }()

	return rootCmd.ExecuteContext(ctx)
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}
