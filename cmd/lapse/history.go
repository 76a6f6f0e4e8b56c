package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/client"
	"github.com/jamesainslie/lapse/pkg/daemon"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/output"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded capture cycles",
	Long: `Show the most recent capture cycles from the journal, newest first.

While the daemon runs the journal is read through its status API, and
--follow keeps printing cycles as the daemon completes them.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cycles older than journal.retention_days",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

var (
	historyLimit    int
	historyOutput   string
	historyTemplate string
	historyFollow   bool
	historyFailures bool
)

func init() {
	historyCmd.PersistentFlags().StringVarP(&historyOutput, "output", "o", "pretty", "output format: "+formatList())
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of cycles to show")
	historyCmd.Flags().StringVar(&historyTemplate, "template", "", "Go template for --output template")
	historyCmd.Flags().BoolVarP(&historyFollow, "follow", "f", false, "print new cycles as the daemon completes them")
	historyCmd.Flags().BoolVar(&historyFailures, "failures", false, "with --follow, only print failed cycles")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// cycleSource reads cycles from the daemon when it runs and from the
// journal otherwise.
type cycleSource interface {
	Cycles(ctx context.Context, limit int) ([]*types.CycleLog, error)
	Cycle(ctx context.Context, id string) (*types.CycleLog, error)
	Counts(ctx context.Context) (journal.Counts, error)
	Close() error
	DaemonUp() bool
}

type daemonSource struct{ c *client.Client }

func (s daemonSource) Cycles(ctx context.Context, limit int) ([]*types.CycleLog, error) {
	return s.c.Cycles(ctx, limit)
}

func (s daemonSource) Cycle(ctx context.Context, id string) (*types.CycleLog, error) {
	return s.c.Cycle(ctx, id)
}

func (s daemonSource) Counts(ctx context.Context) (journal.Counts, error) {
	st, err := s.c.Status(ctx)
	if err != nil {
		return journal.Counts{}, err
	}
	return st.Journal, nil
}

func (s daemonSource) Close() error  { return s.c.Close() }
func (s daemonSource) DaemonUp() bool { return true }

type journalSource struct{ j *journal.Journal }

func (s journalSource) Cycles(_ context.Context, limit int) ([]*types.CycleLog, error) {
	return s.j.List(limit)
}

func (s journalSource) Cycle(_ context.Context, id string) (*types.CycleLog, error) {
	return s.j.Get(id)
}

func (s journalSource) Counts(context.Context) (journal.Counts, error) { return s.j.Count() }
func (s journalSource) Close() error                                   { return s.j.Close() }
func (s journalSource) DaemonUp() bool                                 { return false }

func openSource() (cycleSource, error) {
	if client.IsDaemonRunning(client.PathsFromConfig(cfg)) {
		c, err := client.Connect(cfg.Daemon.SocketPath)
		if err == nil {
			return daemonSource{c}, nil
		}
		printVerbose("daemon running but unreachable: %v", err)
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return journalSource{j}, nil
}

func historyFormatter() (output.Formatter, error) {
	if historyOutput == "template" && historyTemplate != "" {
		return output.NewTemplateFormatter(historyTemplate), nil
	}
	return output.Get(historyOutput)
}

func render(f output.Formatter, r *output.Report) error {
	var buf bytes.Buffer
	if err := f.Format(&buf, r); err != nil {
		return err
	}
	_, err := os.Stdout.Write(buf.Bytes())
	return err
}

func runHistory(cmd *cobra.Command, _ []string) error {
	formatter, err := historyFormatter()
	if err != nil {
		return err
	}
	if historyFollow {
		return followHistory(cmd.Context(), formatter)
	}
	src, err := openSource()
	if err != nil {
		return err
	}
	defer src.Close()

	ctx := cmd.Context()
	cycles, err := src.Cycles(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("listing cycles: %w", err)
	}
	counts, err := src.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting cycles: %w", err)
	}

	report := &output.Report{
		Title:    "Capture history",
		Cycles:   cycles,
		Summary:  &output.Summary{Total: counts.Total, Success: counts.Success, Failures: counts.Failures},
		DaemonUp: src.DaemonUp(),
	}
	if frames, err := frameStats(ctx); err == nil {
		report.Frames = frames
	} else {
		report.Warnings = append(report.Warnings, err.Error())
	}
	return render(formatter, report)
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	formatter, err := historyFormatter()
	if err != nil {
		return err
	}
	src, err := openSource()
	if err != nil {
		return err
	}
	defer src.Close()

	c, err := src.Cycle(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("cycle %s: %w", args[0], err)
	}
	return render(formatter, &output.Report{Title: "Cycle " + c.ID, Cycles: []*types.CycleLog{c}, DaemonUp: src.DaemonUp()})
}

func runHistoryPrune(_ *cobra.Command, _ []string) error {
	if client.IsDaemonRunning(client.PathsFromConfig(cfg)) {
		return fmt.Errorf("the daemon prunes the journal itself while it runs")
	}
	if cfg.Journal.RetentionDays <= 0 {
		printInfo("journal.retention_days is 0, nothing to prune")
		return nil
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	cutoff := time.Now().AddDate(0, 0, -cfg.Journal.RetentionDays)
	n, err := j.Prune(cutoff)
	if err != nil {
		return err
	}
	printInfo("Removed %d cycles recorded before %s", n, cutoff.Format(time.DateOnly))
	return nil
}

func frameStats(ctx context.Context) (*output.FrameStats, error) {
	frames, err := daemon.OpenFrames(cfg)
	if err != nil {
		return nil, err
	}
	st, err := frames.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &output.FrameStats{
		Dir:    frames.Dir(),
		Count:  st.Count,
		Bytes:  st.Bytes,
		Oldest: st.Oldest,
		Newest: st.Newest,
	}, nil
}

// followHistory prints each cycle the daemon completes until interrupted.
func followHistory(ctx context.Context, formatter output.Formatter) error {
	c, err := connectDaemon()
	if err != nil {
		return err
	}
	defer c.Close()

	printVerbose("following daemon cycles, press Ctrl+C to stop")
	err = c.Follow(ctx, historyFailures, func(cycle *types.CycleLog) error {
		return render(formatter, &output.Report{Cycles: []*types.CycleLog{cycle}, DaemonUp: true})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
