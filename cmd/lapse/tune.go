package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/cmd/lapse/tui"
	"github.com/jamesainslie/lapse/pkg/daemon"
	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/focus"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Run the exposure and focus searches without saving a frame",
	Long: `Tune runs the exposure hill-climb and, unless autofocus is enabled, the
focus search, printing every probe. Nothing is saved.

Use --tui for a live view.`,
	Args: cobra.NoArgs,
	RunE: runTune,
}

var (
	tuneTUI      bool
	tuneExposure int
	tuneNoFocus  bool
)

func init() {
	tuneCmd.Flags().BoolVar(&tuneTUI, "tui", false, "show a live view")
	tuneCmd.Flags().IntVar(&tuneExposure, "exposure", 0, "starting exposure (default: exposure.initial)")
	tuneCmd.Flags().BoolVar(&tuneNoFocus, "no-focus", false, "skip the focus search")
	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, _ []string) error {
	opener, err := daemon.OpenDevice(cfg)
	if err != nil {
		return err
	}
	camera := cfg.CameraConfig()
	if tuneExposure > 0 {
		camera.SetExposure(tuneExposure)
	}
	work := tuneWork(opener, camera, daemon.ExposureOptions(cfg), !tuneNoFocus && !camera.Autofocus)

	if tuneTUI {
		if err := initLogging(true); err != nil {
			return err
		}
		return tui.Run(cmd.Context(), cfg.Band(), work)
	}

	done := work(cmd.Context(), printProbe)
	if done.Err != nil {
		return done.Err
	}
	if r := done.Exposure; r != nil {
		printInfo("exposure: %d (%s after %d iterations, brightness %.1f)", r.Exposure, r.State, r.Iterations, r.Brightness)
	}
	if r := done.Focus; r != nil {
		printInfo("focus:    %d (sharpness %.1f, %d probes)", r.Focus, r.Sharpness, r.Probes)
	}
	return nil
}

// tuneWork runs exposure then focus on camera, reporting probes through
// send.
func tuneWork(opener device.Opener, camera types.CameraConfig, opts exposure.Options, withFocus bool) tui.Work {
	return func(ctx context.Context, send func(tea.Msg)) tui.DoneMsg {
		var done tui.DoneMsg

		exp := exposure.New(opener, opts)
		exp.Observe(func(p exposure.Probe) { send(tui.ExposureMsg(p)) })
		er, err := exp.Run(ctx, &camera)
		if err != nil {
			done.Err = fmt.Errorf("exposure: %w", err)
			return done
		}
		done.Exposure = &er

		if !withFocus {
			return done
		}
		foc := focus.New(opener, focus.Plan{})
		foc.Observe(func(p focus.Probe) { send(tui.FocusMsg(p)) })
		fr, err := foc.Run(ctx, &camera)
		if err != nil {
			done.Err = fmt.Errorf("focus: %w", err)
			return done
		}
		done.Focus = &fr
		return done
	}
}

func printProbe(msg tea.Msg) {
	switch p := msg.(type) {
	case tui.ExposureMsg:
		printInfo("exposure #%-4d %5d  brightness %6.1f  -> %d (%s)", p.Iteration, p.Exposure, p.Brightness, p.Next, p.State)
	case tui.FocusMsg:
		printInfo("focus stage %d  %3d  sharpness %8.1f", p.Stage, p.Focus, p.Sharpness)
	}
}
