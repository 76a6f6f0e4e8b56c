package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/daemon"
)

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Show the frame directory",
	Args:  cobra.NoArgs,
	RunE:  runFrames,
}

var framesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old frames",
	Long: `Remove frames older than --max-age and the oldest frames beyond
--max-frames. Both default to the frames section of the config; zero
disables a limit.`,
	Args: cobra.NoArgs,
	RunE: runFramesPrune,
}

var (
	pruneMaxAge    time.Duration
	pruneMaxFrames int
)

func init() {
	framesPruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "remove frames older than this (default: frames.retention_days)")
	framesPruneCmd.Flags().IntVar(&pruneMaxFrames, "max-frames", 0, "keep at most this many frames (default: frames.max_frames)")

	framesCmd.AddCommand(framesPruneCmd)
	rootCmd.AddCommand(framesCmd)
}

func runFrames(cmd *cobra.Command, _ []string) error {
	st, err := frameStats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Directory: %s\n", st.Dir)
	fmt.Printf("Frames:    %s\n", humanize.Comma(int64(st.Count)))
	fmt.Printf("Size:      %s\n", humanize.Bytes(uint64(st.Bytes))) //nolint:gosec // sizes are non-negative
	if st.Count > 0 {
		fmt.Printf("Oldest:    %s (%s)\n", st.Oldest.Format(time.DateTime), humanize.Time(st.Oldest))
		fmt.Printf("Newest:    %s (%s)\n", st.Newest.Format(time.DateTime), humanize.Time(st.Newest))
	}
	return nil
}

// pruneLimits resolves the prune limits, falling back to the config for
// flags that were not set.
func pruneLimits(cmd *cobra.Command) (time.Duration, int) {
	maxAge, maxFrames := pruneMaxAge, pruneMaxFrames
	if !cmd.Flags().Changed("max-age") && cfg.Frames.RetentionDays > 0 {
		maxAge = time.Duration(cfg.Frames.RetentionDays) * 24 * time.Hour
	}
	if !cmd.Flags().Changed("max-frames") {
		maxFrames = cfg.Frames.MaxFrames
	}
	return maxAge, maxFrames
}

func runFramesPrune(cmd *cobra.Command, _ []string) error {
	maxAge, maxFrames := pruneLimits(cmd)
	if maxAge <= 0 && maxFrames <= 0 {
		printInfo("No retention limit configured, nothing to prune")
		return nil
	}

	frames, err := daemon.OpenFrames(cfg)
	if err != nil {
		return err
	}

	res, err := frames.Prune(cmd.Context(), time.Now(), maxAge, maxFrames)
	printInfo("Removed %d frames (%s)", res.Removed, humanize.Bytes(uint64(res.Bytes))) //nolint:gosec // sizes are non-negative
	return err
}
