package main

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/lapse/cmd/lapse/tui"
	"github.com/jamesainslie/lapse/pkg/lapse/config"
	"github.com/jamesainslie/lapse/pkg/lapse/device/sim"
	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

func tuneOptions() exposure.Options {
	return exposure.Options{Band: types.Band{Min: config.DefaultBandMin, Max: config.DefaultBandMax}}
}

func TestTuneWork(t *testing.T) {
	camera := types.CameraConfig{Width: 64, Height: 48}
	camera.SetExposure(20)

	var exposureProbes, focusProbes int
	send := func(msg tea.Msg) {
		switch msg.(type) {
		case tui.ExposureMsg:
			exposureProbes++
		case tui.FocusMsg:
			focusProbes++
		}
	}

	done := tuneWork(sim.New(), camera, tuneOptions(), true)(context.Background(), send)
	if done.Err != nil {
		t.Fatalf("tune failed: %v", done.Err)
	}
	if done.Exposure == nil || done.Focus == nil {
		t.Fatalf("expected both results, got %+v", done)
	}
	if exposureProbes != done.Exposure.Iterations {
		t.Errorf("exposure probes = %d, iterations = %d", exposureProbes, done.Exposure.Iterations)
	}
	if focusProbes != done.Focus.Probes {
		t.Errorf("focus probes = %d, want %d", focusProbes, done.Focus.Probes)
	}
	if d := done.Focus.Focus - sim.DefaultFocusPeak; d < -2 || d > 2 {
		t.Errorf("focus = %d, want near %d", done.Focus.Focus, sim.DefaultFocusPeak)
	}
}

func TestTuneWork_NoFocus(t *testing.T) {
	camera := types.CameraConfig{Width: 64, Height: 48}
	camera.SetExposure(20)
	done := tuneWork(sim.New(), camera, tuneOptions(), false)(context.Background(), func(tea.Msg) {})
	if done.Err != nil {
		t.Fatalf("tune failed: %v", done.Err)
	}
	if done.Focus != nil {
		t.Error("focus should be skipped")
	}
}

func TestTuneWork_DeviceError(t *testing.T) {
	cam := sim.New()
	cam.OpenErr = context.DeadlineExceeded
	camera := types.CameraConfig{Width: 64, Height: 48}
	camera.SetExposure(20)
	done := tuneWork(cam, camera, tuneOptions(), true)(context.Background(), func(tea.Msg) {})
	if done.Err == nil || !strings.HasPrefix(done.Err.Error(), "exposure:") {
		t.Errorf("expected an exposure error, got %v", done.Err)
	}
}

func TestFormatList(t *testing.T) {
	list := formatList()
	for _, name := range []string{"pretty", "json", "csv"} {
		if !strings.Contains(list, name) {
			t.Errorf("formatList() = %q, missing %s", list, name)
		}
	}
}

func TestHealthLabel(t *testing.T) {
	tests := []struct {
		status healthpb.HealthCheckResponse_ServingStatus
		want   string
	}{
		{healthpb.HealthCheckResponse_SERVING, "healthy"},
		{healthpb.HealthCheckResponse_NOT_SERVING, "last cycle failed"},
		{healthpb.HealthCheckResponse_UNKNOWN, "waiting for first cycle"},
	}
	for _, tt := range tests {
		if got := healthLabel(tt.status); got != tt.want {
			t.Errorf("healthLabel(%v) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestPruneLimits(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = &config.Config{Frames: config.FramesConfig{RetentionDays: 7, MaxFrames: 100}}

	newCmd := func(args ...string) *cobra.Command {
		pruneMaxAge, pruneMaxFrames = 0, 0
		cmd := &cobra.Command{}
		cmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "")
		cmd.Flags().IntVar(&pruneMaxFrames, "max-frames", 0, "")
		if err := cmd.Flags().Parse(args); err != nil {
			t.Fatal(err)
		}
		return cmd
	}

	age, frames := pruneLimits(newCmd())
	if age != 7*24*time.Hour || frames != 100 {
		t.Errorf("defaults = %v, %d", age, frames)
	}

	age, frames = pruneLimits(newCmd("--max-age", "1h", "--max-frames", "0"))
	if age != time.Hour || frames != 0 {
		t.Errorf("flags = %v, %d", age, frames)
	}
}
