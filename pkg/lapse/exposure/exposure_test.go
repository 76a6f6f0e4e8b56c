package exposure

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/device/sim"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// scene returns the brightness seen on the given probe (1-based) at the
// given exposure.
type scene func(probe, exposure int) float64

// fakeCamera renders uniform grey frames whose level is chosen by a scene.
type fakeCamera struct {
	scene     scene
	probes    int
	exposures []int
	open      int
	readErrAt int
}

func (f *fakeCamera) Open(_ context.Context, cfg types.CameraConfig) (device.Session, error) {
	f.open++
	return &fakeSession{cam: f, exposure: *cfg.Exposure}, nil
}

type fakeSession struct {
	cam      *fakeCamera
	exposure int
}

func (s *fakeSession) ReadFrame() (image.Image, error) {
	s.cam.probes++
	s.cam.exposures = append(s.cam.exposures, s.exposure)
	if s.cam.readErrAt == s.cam.probes {
		return nil, errors.New("select timeout")
	}
	v := uint8(math.Round(s.cam.scene(s.cam.probes, s.exposure)))
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img, nil
}

func (s *fakeSession) Properties() (types.Properties, error) { return types.Properties{}, nil }

func (s *fakeSession) Close() error {
	s.cam.open--
	return nil
}

func start(exposure int) *types.CameraConfig {
	cfg := &types.CameraConfig{Width: 4, Height: 4}
	cfg.SetExposure(exposure)
	return cfg
}

func band() types.Band { return types.Band{Min: 90, Max: 95} }

func TestRun_EndToEnd(t *testing.T) {
	// 40 on the first five probes, 92 afterwards.
	cam := &fakeCamera{scene: func(probe, _ int) float64 {
		if probe <= 5 {
			return 40
		}
		return 92
	}}
	cfg := start(15)

	res, err := New(cam, Options{Band: band(), MaxIterations: 1000, Factor: 1.05}).Run(context.Background(), cfg)
	require.NoError(t, err)

	want := 15
	for i := 0; i < 5; i++ {
		want = int(math.Ceil(float64(want) * 1.05))
	}
	assert.Equal(t, 20, want)
	assert.Equal(t, Converged, res.State)
	assert.Equal(t, want, res.Exposure)
	assert.Equal(t, want, *cfg.Exposure)
	assert.Equal(t, 6, res.Iterations)
	assert.Equal(t, []int{15, 16, 17, 18, 19, 20}, cam.exposures)
	assert.InDelta(t, 92, res.Brightness, 1e-9)
	assert.Zero(t, cam.open, "every session must be closed")
}

func TestRun_DarkIncreasesUntilClamped(t *testing.T) {
	cam := &fakeCamera{scene: func(int, int) float64 { return 10 }}
	cfg := start(15)

	res, err := New(cam, Options{Band: band(), MaxIterations: 1000}).Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, Clamped, res.State)
	assert.Equal(t, types.DefaultMaxExposure, res.Exposure)
	for i := 1; i < len(cam.exposures); i++ {
		assert.Greater(t, cam.exposures[i], cam.exposures[i-1], "exposure must strictly increase")
	}
}

func TestRun_BrightDecreasesUntilClamped(t *testing.T) {
	cam := &fakeCamera{scene: func(int, int) float64 { return 250 }}
	cfg := start(500)

	res, err := New(cam, Options{Band: band(), MaxIterations: 1000}).Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, Clamped, res.State)
	assert.Equal(t, types.DefaultMinExposure, res.Exposure)
	for i := 1; i < len(cam.exposures); i++ {
		assert.Less(t, cam.exposures[i], cam.exposures[i-1], "exposure must strictly decrease")
	}
}

func TestRun_DarkUntilInBand(t *testing.T) {
	cam := &fakeCamera{scene: func(_, exposure int) float64 {
		if exposure >= 40 {
			return 93
		}
		return 50
	}}
	res, err := New(cam, Options{Band: band()}).Run(context.Background(), start(15))
	require.NoError(t, err)

	assert.Equal(t, Converged, res.State)
	assert.GreaterOrEqual(t, res.Exposure, 40)
}

func TestRun_Looping(t *testing.T) {
	// Band unreachable between 30 and 32: dark at 30, bright at 32.
	cam := &fakeCamera{scene: func(_, exposure int) float64 {
		if exposure <= 30 {
			return 80
		}
		return 100
	}}
	res, err := New(cam, Options{Band: band()}).Run(context.Background(), start(30))
	require.NoError(t, err)

	assert.Equal(t, Looping, res.State)
	assert.Equal(t, []int{30, 32, 30, 32}, cam.exposures)
	assert.Equal(t, 4, res.Iterations)
}

func TestRun_LoopDetectionConfigurable(t *testing.T) {
	cam := &fakeCamera{scene: func(_, exposure int) float64 {
		if exposure <= 30 {
			return 80
		}
		return 100
	}}
	res, err := New(cam, Options{Band: band(), History: 9}).Run(context.Background(), start(30))
	require.NoError(t, err)

	assert.Equal(t, Looping, res.State)
	assert.Equal(t, 8, res.Iterations)
}

func TestRun_Exhausted(t *testing.T) {
	// Slow drift: every probe lands just below the band with a fresh value,
	// so neither rails nor loop detection trigger.
	cam := &fakeCamera{scene: func(int, int) float64 { return 50 }}
	res, err := New(cam, Options{Band: band(), MaxIterations: 3}).Run(context.Background(), start(100))
	require.NoError(t, err)

	assert.Equal(t, Exhausted, res.State)
	assert.Equal(t, 4, res.Iterations)
	assert.Len(t, cam.exposures, 4)
}

func TestRun_TerminatesWithinBudget(t *testing.T) {
	scenes := map[string]scene{
		"dark":        func(int, int) float64 { return 0 },
		"bright":      func(int, int) float64 { return 255 },
		"alternating": func(p, _ int) float64 { return float64(80 + 20*(p%2)) },
		"noisy":       func(p, e int) float64 { return float64((p*37 + e*11) % 256) },
	}

	for name, sc := range scenes {
		t.Run(name, func(t *testing.T) {
			for _, maxIter := range []int{1, 5, 50} {
				cam := &fakeCamera{scene: sc}
				res, err := New(cam, Options{Band: band(), MaxIterations: maxIter}).Run(context.Background(), start(100))
				require.NoError(t, err)

				assert.LessOrEqual(t, res.Iterations, maxIter+2)
				assert.NotEqual(t, Probing, res.State)
				bounds := types.DefaultExposureBounds()
				assert.True(t, bounds.Contains(res.Exposure), "exposure %d out of bounds", res.Exposure)
				for _, e := range cam.exposures {
					assert.True(t, bounds.Contains(e), "probed exposure %d out of bounds", e)
				}
			}
		})
	}
}

func TestRun_DeviceError(t *testing.T) {
	cam := &fakeCamera{scene: func(int, int) float64 { return 10 }, readErrAt: 3}
	cfg := start(15)

	_, err := New(cam, Options{Band: band()}).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrRead)
	assert.Equal(t, 17, *cfg.Exposure, "config keeps the last probed exposure")
	assert.Zero(t, cam.open)
}

func TestRun_NoExposure(t *testing.T) {
	_, err := New(&fakeCamera{}, Options{Band: band()}).Run(context.Background(), &types.CameraConfig{Width: 4, Height: 4})
	assert.ErrorIs(t, err, ErrNoExposure)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&fakeCamera{scene: func(int, int) float64 { return 10 }}, Options{Band: band()}).Run(ctx, start(15))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Observer(t *testing.T) {
	cam := &fakeCamera{scene: func(p, _ int) float64 {
		if p == 1 {
			return 40
		}
		return 92
	}}
	eng := New(cam, Options{Band: band()})

	var probes []Probe
	eng.Observe(func(p Probe) { probes = append(probes, p) })

	_, err := eng.Run(context.Background(), start(15))
	require.NoError(t, err)

	require.Len(t, probes, 2)
	assert.Equal(t, 1, probes[0].Iteration)
	assert.Equal(t, 15, probes[0].Exposure)
	assert.InDelta(t, 40, probes[0].Brightness, 1e-9)
	assert.Equal(t, 16, probes[0].Next)
	assert.Equal(t, Probing, probes[0].State)
	assert.Equal(t, Converged, probes[1].State)
	assert.Equal(t, 16, probes[1].Next)
}

func TestRun_SimulatedCamera(t *testing.T) {
	cam := sim.New()
	cfg := &types.CameraConfig{Width: 32, Height: 24}
	cfg.SetExposure(15)
	cfg.SetFocus(sim.DefaultFocusPeak)

	res, err := New(cam, Options{Band: band()}).Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Contains(t, []State{Converged, Looping}, res.State)
	assert.InDelta(t, 92.5, res.Brightness, 10)
	assert.Equal(t, 0, cam.Stats().Open)
	assert.Equal(t, 1, cam.Stats().MaxOpen, "one session at a time")
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultFactor, opts.Factor)
	assert.Equal(t, DefaultMaxIterations, opts.MaxIterations)
	assert.Equal(t, DefaultHistory, opts.History)
	assert.Equal(t, DefaultMaxDistinct, opts.MaxDistinct)
	assert.Equal(t, types.DefaultExposureBounds(), opts.Bounds)

	opts = Options{History: 2, MaxDistinct: 5}.withDefaults()
	assert.Equal(t, 1, opts.MaxDistinct)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "state(9)", State(9).String())
}
