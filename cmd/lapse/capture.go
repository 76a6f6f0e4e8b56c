package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/client"
	"github.com/jamesainslie/lapse/pkg/daemon"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/output"
	"github.com/jamesainslie/lapse/pkg/lapse/scheduler"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run one capture cycle",
	Long: `Tune exposure and focus, capture one frame and save it.

The cycle is recorded in the journal unless the daemon is running, in
which case the daemon owns the journal and the cycle is only printed.`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

var captureOutput string

func init() {
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "pretty", "output format: "+formatList())
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, _ []string) error {
	formatter, err := output.Get(captureOutput)
	if err != nil {
		return err
	}

	opener, err := daemon.OpenDevice(cfg)
	if err != nil {
		return err
	}
	frames, err := daemon.OpenFrames(cfg)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{scheduler.WithNotifier(daemon.Notifier(cfg))}
	j, err := openJournalUnlessDaemon()
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
		opts = append(opts, scheduler.WithJournal(j))
	}

	s := scheduler.New(opener, frames, daemon.SchedulerSettings(cfg), opts...)
	entry, cycleErr := s.RunCycle(cmd.Context())

	var buf bytes.Buffer
	if err := formatter.Format(&buf, &output.Report{
		Title:  "Capture",
		Cycles: []*types.CycleLog{entry},
	}); err != nil {
		return err
	}
	_, _ = os.Stdout.Write(buf.Bytes())
	return cycleErr
}

// openJournalUnlessDaemon opens the journal for writing. It returns nil
// when the daemon holds it.
func openJournalUnlessDaemon() (*journal.Journal, error) {
	if client.IsDaemonRunning(client.PathsFromConfig(cfg)) {
		printVerbose("daemon running, not recording to the journal")
		return nil, nil
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if _, err := j.Migrate(rootCmd.Context()); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return j, nil
}

func formatList() string {
	var b bytes.Buffer
	for i, name := range output.Available() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
	}
	return b.String()
}
