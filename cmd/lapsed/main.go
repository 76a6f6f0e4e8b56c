// Command lapsed runs the timelapse capture loop in the background. It is
// normally started by "lapse daemon start".
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/daemon"
	"github.com/jamesainslie/lapse/pkg/lapse/config"
	_ "github.com/jamesainslie/lapse/pkg/lapse/device/gstreamer"
	_ "github.com/jamesainslie/lapse/pkg/lapse/device/sim"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
)

// Build-time variables set by go build -ldflags.
var version = "dev"

// recentLogs is how many records the daemon keeps for "lapse daemon logs".
const recentLogs = 500

var cfgFile string

func main() {
	cmd := &cobra.Command{
		Use:           "lapsed",
		Short:         "Timelapse capture daemon",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/lapse/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lapsed:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return reportStartup(cfg, fmt.Errorf("invalid configuration: %w", err))
	}

	logCfg, err := cfg.Logging.Runtime()
	if err != nil {
		return reportStartup(cfg, err)
	}
	logCfg.Recent = recentLogs
	if err := logging.Init(logCfg); err != nil {
		return reportStartup(cfg, err)
	}
	defer func() { _ = logging.Close() }()
	log := logging.Get("daemon")

	pidPath := cfg.Daemon.PIDPath
	sockets := []string{cfg.Daemon.SocketPath, daemon.APISocketPath(cfg.Daemon.SocketPath)}
	if err := daemon.RecoverFromStaleDaemon(pidPath, sockets, cfg.Journal.Path); err != nil {
		if errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
			return errors.New("lapsed is already running")
		}
		return reportStartup(cfg, err)
	}

	svc, err := daemon.NewService(cfg, daemon.WithVersion(version))
	if err != nil {
		log.Error("startup failed", "error", err)
		return reportStartup(cfg, err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("error during shutdown", "error", err)
		}
	}()

	if err := daemon.WritePIDFile(pidPath); err != nil {
		return reportStartup(cfg, fmt.Errorf("writing PID file: %w", err))
	}
	defer func() {
		if err := daemon.RemovePIDFile(pidPath); err != nil {
			log.Warn("failed to remove PID file", "error", err)
		}
		_ = daemon.RemoveStatus(cfg.Daemon.StatusPath)
	}()

	if err := daemon.WriteStatusReady(cfg.Daemon.StatusPath, cfg.Daemon.SocketPath, svc.APIAddr()); err != nil {
		log.Warn("failed to write status file", "error", err)
	}

	log.Info("lapsed starting", "version", version, "pid", os.Getpid(), "config", cfg.File)
	if err := svc.Run(cmd.Context()); err != nil {
		log.Error("daemon stopped with error", "error", err)
		return err
	}
	log.Info("shutting down")
	return nil
}

// reportStartup records err in the status file so the launcher can show it.
func reportStartup(cfg *config.Config, err error) error {
	_ = daemon.WriteStatusError(cfg.Daemon.StatusPath, err)
	return err
}
