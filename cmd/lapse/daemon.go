package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/lapse/pkg/client"
	"github.com/jamesainslie/lapse/pkg/daemon"
)

var errDaemonNotRunning = errors.New("daemon is not running (start with: lapse daemon start)")

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the lapsed daemon",
	Long: `Manage the lapsed daemon, which runs the capture loop in the
background and serves its health and status over local sockets.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lapsed daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the lapsed daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the lapsed daemon",
	Long:  `Stop and start the lapsed daemon, e.g. after changing the device section of the config.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon log records",
	Args:  cobra.NoArgs,
	RunE:  runDaemonLogs,
}

var logsCount int

func init() {
	daemonLogsCmd.Flags().IntVarP(&logsCount, "lines", "n", 50, "number of records to show")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	rootCmd.AddCommand(daemonCmd)
}

func daemonPaths() client.DaemonPaths {
	return client.PathsFromConfig(cfg)
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	printVerbose("starting daemon...")
	if err := client.StartDaemon(daemonPaths()); err != nil {
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	paths := daemonPaths()
	if !client.IsDaemonRunning(paths) {
		return errDaemonNotRunning
	}
	printVerbose("sending SIGTERM, pid file %s", cfg.Daemon.PIDPath)
	if err := client.StopDaemon(paths); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(_ *cobra.Command, _ []string) error {
	if err := client.RestartDaemon(daemonPaths()); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}

// connectDaemon connects to a running daemon.
func connectDaemon() (*client.Client, error) {
	if !client.IsDaemonRunning(daemonPaths()) {
		return nil, errDaemonNotRunning
	}
	c, err := client.Connect(cfg.Daemon.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return c, nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	if !client.IsDaemonRunning(daemonPaths()) {
		printInfo("Daemon status: not running")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	c, err := client.Connect(cfg.Daemon.SocketPath)
	if err != nil {
		printInfo("Daemon status: running (but not responding)")
		return nil
	}
	defer c.Close()

	health, err := c.Health(ctx)
	if err != nil {
		printInfo("Daemon status: running (but not responding)")
		return nil
	}
	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get daemon status: %w", err)
	}

	printInfo("Daemon status: running (%s)", healthLabel(health))
	if sf, err := daemon.ReadStatus(cfg.Daemon.StatusPath); err == nil {
		printInfo("  PID:        %d", sf.PID)
		printInfo("  Uptime:     %s", formatDuration(time.Since(sf.StartedAt)))
	}
	if status.Version != "" {
		printInfo("  Version:    %s", status.Version)
	}
	s := status.Scheduler
	printInfo("  Cycles:     %d (%d failed)", s.Cycles, s.Failures)
	if s.LastCycle != nil {
		printInfo("  Last cycle: %s, %s", s.LastOutcome, humanize.Time(s.LastCycle.Timestamp))
	}
	if !s.NextCycle.IsZero() {
		printInfo("  Next cycle: %s", s.NextCycle.Format(time.TimeOnly))
	}
	printInfo("  Exposure:   %d", s.Exposure)
	if s.Focus != nil {
		printInfo("  Focus:      %d", *s.Focus)
	}
	if s.Notified {
		printInfo("  Failure notification sent")
	}
	printInfo("  Journal:    %d cycles", status.Journal.Total)
	printInfo("  Frames:     %d (%s) in %s", status.Frames.Count,
		humanize.Bytes(uint64(status.Frames.Bytes)), status.FramesDir) //nolint:gosec // sizes are non-negative
	return nil
}

func healthLabel(s healthpb.HealthCheckResponse_ServingStatus) string {
	switch s {
	case healthpb.HealthCheckResponse_SERVING:
		return "healthy"
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return "last cycle failed"
	default:
		return "waiting for first cycle"
	}
}

func runDaemonLogs(cmd *cobra.Command, _ []string) error {
	c, err := connectDaemon()
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.Logs(cmd.Context(), logsCount)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var fields strings.Builder
		for i := 0; i+1 < len(e.Fields); i += 2 {
			fmt.Fprintf(&fields, " %v=%v", e.Fields[i], e.Fields[i+1])
		}
		fmt.Printf("%s %-5s [%s] %s%s\n", e.Time.Format(time.DateTime), strings.ToUpper(e.LevelName),
			e.Component, e.Message, fields.String())
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
