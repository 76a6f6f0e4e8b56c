package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/metrics"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

func config(exposure, focus int) types.CameraConfig {
	cfg := types.CameraConfig{Width: 48, Height: 32}
	cfg.SetExposure(exposure)
	cfg.SetFocus(focus)
	return cfg
}

func TestCamera_BrightnessFollowsExposure(t *testing.T) {
	cam := New()
	ctx := context.Background()

	var prev float64
	for _, exposure := range []int{5, 10, 20, 40} {
		img, err := device.Probe(ctx, cam, config(exposure, DefaultFocusPeak))
		require.NoError(t, err)

		b, err := metrics.Brightness(img)
		require.NoError(t, err)
		assert.Greater(t, b, prev, "exposure %d", exposure)
		prev = b
	}
}

func TestCamera_SharpnessPeaksAtFocusPeak(t *testing.T) {
	cam := New()
	ctx := context.Background()

	sharpness := func(focus int) float64 {
		img, err := device.Probe(ctx, cam, config(20, focus))
		require.NoError(t, err)
		s, err := metrics.Sharpness(img)
		require.NoError(t, err)
		return s
	}

	peak := sharpness(DefaultFocusPeak)
	assert.Greater(t, peak, sharpness(DefaultFocusPeak-2))
	assert.Greater(t, peak, sharpness(DefaultFocusPeak+2))
	assert.Greater(t, sharpness(DefaultFocusPeak+2), sharpness(DefaultFocusPeak+10))
	assert.Greater(t, sharpness(DefaultFocusPeak-10), sharpness(0))
}

func TestCamera_Script(t *testing.T) {
	cam := NewScripted(40, 92)
	ctx := context.Background()

	for _, want := range []float64{40, 92, 92} {
		img, err := device.Probe(ctx, cam, config(15, 0))
		require.NoError(t, err)
		b, err := metrics.Brightness(img)
		require.NoError(t, err)
		assert.InDelta(t, want, b, 1e-9)
	}
}

func TestCamera_InjectedFailures(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("usb reset")

	cam := New()
	cam.OpenErr = cause
	_, err := device.Probe(ctx, cam, config(15, 0))
	assert.ErrorIs(t, err, device.ErrOpen)
	assert.ErrorIs(t, err, cause)

	cam = New()
	cam.ReadErr = cause
	cam.FailAfter = 1
	_, err = device.Probe(ctx, cam, config(15, 0))
	require.NoError(t, err)
	_, err = device.Probe(ctx, cam, config(15, 0))
	assert.ErrorIs(t, err, device.ErrRead)

	stats := cam.Stats()
	assert.Equal(t, 2, stats.Opens)
	assert.Equal(t, 0, stats.Open, "sessions must be released after failures")
	assert.Equal(t, 1, stats.MaxOpen)
}

func TestSession_Properties(t *testing.T) {
	cam := New()
	cfg := config(5000, 90)

	sess, err := cam.Open(context.Background(), cfg)
	require.NoError(t, err)

	props, err := sess.Properties()
	require.NoError(t, err)
	assert.Equal(t, types.Properties{Width: 48, Height: 32, Exposure: 2047, Focus: 90}, props)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, err = sess.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, cam.Stats().Open)
}

func TestRegistryDriver(t *testing.T) {
	op, err := device.New(DriverName, device.Options{
		Bounds: types.DefaultExposureBounds(),
		Params: map[string]string{"focus_peak": "80", "gain": "2"},
	})
	require.NoError(t, err)

	cam, ok := op.(*Camera)
	require.True(t, ok)
	assert.Equal(t, 80, cam.FocusPeak)
	assert.Equal(t, 2.0, cam.Gain)

	_, err = device.New(DriverName, device.Options{Params: map[string]string{"bogus": "1"}})
	assert.Error(t, err)
}
