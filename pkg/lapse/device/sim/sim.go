// Package sim provides a deterministic simulated camera.
//
// Frame brightness grows linearly with exposure and frames blur with the
// distance between the requested focus and a fixed in-focus position, so
// the convergence engines can be exercised without hardware. A scripted
// mode returns a fixed sequence of grey levels instead.
package sim

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// DriverName is the registry name of the simulated camera.
const DriverName = "sim"

// Defaults for the simulated scene.
const (
	DefaultFocusPeak = 120
	DefaultGain      = 4.5
	DefaultBlurStep  = 0.3
	maxSigma         = 25
)

// ErrClosed is returned when a closed session is used.
var ErrClosed = errors.New("session closed")

func init() {
	device.Register(DriverName, func(opts device.Options) (device.Opener, error) {
		cam := New()
		cam.Bounds = opts.Bounds
		if err := cam.apply(opts.Params); err != nil {
			return nil, err
		}
		return cam, nil
	})
}

// Camera is a simulated capture device. It is safe for concurrent use.
type Camera struct {
	// FocusPeak is the focus position that yields the sharpest frame.
	FocusPeak int

	// Gain is the grey level produced per exposure unit.
	Gain float64

	// BlurStep is the Gaussian sigma added per focus unit off the peak.
	BlurStep float64

	// Bounds clamp the effective exposure reported by Properties.
	Bounds types.ExposureBounds

	// Script, when non-empty, replaces the scene: each read returns a
	// uniform grey frame of the next level. The last level repeats.
	Script []float64

	// OpenErr and ReadErr inject failures. FailAfter delays ReadErr until
	// that many frames were read successfully.
	OpenErr   error
	ReadErr   error
	FailAfter int

	mu       sync.Mutex
	opens    int
	reads    int
	open     int
	maxOpen  int
	requests []types.CameraConfig
}

// New returns a camera with the default scene.
func New() *Camera {
	return &Camera{
		FocusPeak: DefaultFocusPeak,
		Gain:      DefaultGain,
		BlurStep:  DefaultBlurStep,
		Bounds:    types.DefaultExposureBounds(),
	}
}

// NewScripted returns a camera that replays the given grey levels.
func NewScripted(levels ...float64) *Camera {
	c := New()
	c.Script = levels
	return c
}

func (c *Camera) apply(params map[string]string) error {
	for key, raw := range params {
		switch key {
		case "focus_peak":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("sim focus_peak: %w", err)
			}
			c.FocusPeak = v
		case "gain":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("sim gain: %w", err)
			}
			c.Gain = v
		case "blur_step":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("sim blur_step: %w", err)
			}
			c.BlurStep = v
		default:
			return fmt.Errorf("unknown sim parameter %q", key)
		}
	}
	return nil
}

// Open starts a session with cfg.
func (c *Camera) Open(ctx context.Context, cfg types.CameraConfig) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OpenErr != nil {
		return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: c.OpenErr}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: types.ErrInvalidResolution}
	}

	c.opens++
	c.open++
	c.maxOpen = max(c.maxOpen, c.open)
	c.requests = append(c.requests, cfg.Clone())
	return &session{cam: c, cfg: cfg.Clone()}, nil
}

// Stats reports what the camera has seen so far.
type Stats struct {
	Opens   int
	Reads   int
	Open    int
	MaxOpen int
}

// Stats returns usage counters.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Opens: c.opens, Reads: c.reads, Open: c.open, MaxOpen: c.maxOpen}
}

// Requests returns a copy of every configuration passed to Open.
func (c *Camera) Requests() []types.CameraConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CameraConfig, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *Camera) render(cfg types.CameraConfig) (image.Image, error) {
	c.mu.Lock()
	if c.ReadErr != nil && c.reads >= c.FailAfter {
		c.mu.Unlock()
		return nil, c.ReadErr
	}
	idx := c.reads
	c.reads++
	script := c.Script
	c.mu.Unlock()

	if len(script) > 0 {
		level := script[min(idx, len(script)-1)]
		return uniform(cfg.Width, cfg.Height, level), nil
	}

	level := c.Gain * float64(c.effectiveExposure(cfg))
	img := scene(cfg.Width, cfg.Height, level)

	// Autofocus always finds the peak.
	focus := c.FocusPeak
	if !cfg.Autofocus && cfg.Focus != nil {
		focus = *cfg.Focus
	}
	sigma := math.Min(maxSigma, c.BlurStep*math.Abs(float64(focus-c.FocusPeak)))
	if sigma > 0 {
		return imaging.Blur(img, sigma), nil
	}
	return img, nil
}

func (c *Camera) effectiveExposure(cfg types.CameraConfig) int {
	b := c.Bounds
	if b.Max == 0 {
		b = types.DefaultExposureBounds()
	}
	return b.Clamp(cfg.ExposureOr(b.Min))
}

func (c *Camera) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
}

type session struct {
	cam    *Camera
	cfg    types.CameraConfig
	closed bool
}

func (s *session) ReadFrame() (image.Image, error) {
	if s.closed {
		return nil, &device.Error{Op: "read", Kind: device.ErrRead, Err: ErrClosed}
	}
	img, err := s.cam.render(s.cfg)
	if err != nil {
		return nil, &device.Error{Op: "read", Kind: device.ErrRead, Err: err}
	}
	return img, nil
}

func (s *session) Properties() (types.Properties, error) {
	if s.closed {
		return types.Properties{}, &device.Error{Op: "properties", Kind: device.ErrProperties, Err: ErrClosed}
	}
	focus := s.cfg.FocusOr(s.cam.FocusPeak)
	return types.Properties{
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Exposure:  s.cam.effectiveExposure(s.cfg),
		Focus:     focus,
		Autofocus: s.cfg.Autofocus,
	}, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cam.release()
	return nil
}

// scene renders two overlaid checkerboards, fine and coarse, around a mean
// grey level of level. The coarse one keeps heavily defocused frames
// distinguishable.
func scene(w, h int, level float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 1.0
			v += 0.15 * sign((x/4+y/4)%2 == 0)
			v += 0.15 * sign((x/16+y/16)%2 == 0)
			img.SetNRGBA(x, y, grey(level*v))
		}
	}
	return img
}

func sign(pos bool) float64 {
	if pos {
		return 1
	}
	return -1
}

func uniform(w, h int, level float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	c := grey(level)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func grey(v float64) color.NRGBA {
	g := uint8(math.Round(math.Max(0, math.Min(255, v))))
	return color.NRGBA{R: g, G: g, B: g, A: 255}
}
