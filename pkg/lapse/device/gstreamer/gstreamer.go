// Package gstreamer captures frames from a V4L2 webcam through a GStreamer
// pipeline:
//
//	v4l2src extra-controls=... ! videoconvert ! videoscale ! video/x-raw,format=RGB ! appsink
//
// Exposure and focus are applied as V4L2 extra controls when the pipeline
// is built, so every session carries exactly the requested configuration.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/device/v4l2"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// DriverName is the registry name of the GStreamer driver.
const DriverName = "gstreamer"

// Defaults for the driver.
const (
	DefaultDevice  = "/dev/video0"
	DefaultTimeout = 5 * time.Second

	// DefaultWarmup is the number of frames dropped after the pipeline
	// starts, while the sensor settles on the new controls.
	DefaultWarmup = 3
)

var (
	errNoSample = errors.New("no sample before timeout")
	errShortBuf = errors.New("buffer smaller than frame")

	initOnce sync.Once
)

func init() {
	device.Register(DriverName, func(opts device.Options) (device.Opener, error) {
		return New(opts), nil
	})
}

// Opener opens GStreamer capture sessions on a V4L2 device.
type Opener struct {
	Device  string
	Timeout time.Duration
	Warmup  int
	Bounds  types.ExposureBounds
}

// New returns an Opener configured from driver options.
func New(opts device.Options) *Opener {
	o := &Opener{
		Device:  opts.Path,
		Timeout: opts.Timeout,
		Warmup:  DefaultWarmup,
		Bounds:  opts.Bounds,
	}
	if o.Device == "" {
		o.Device = DefaultDevice
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Bounds.Max == 0 {
		o.Bounds = types.DefaultExposureBounds()
	}
	return o
}

// Open builds and starts a pipeline for cfg.
func (o *Opener) Open(ctx context.Context, cfg types.CameraConfig) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	initOnce.Do(func() { gst.Init(nil) })

	desc := o.launchString(cfg)
	logging.Get("device").Debug("starting pipeline", "pipeline", desc)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: fmt.Errorf("create pipeline: %w", err)}
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: fmt.Errorf("find appsink: %w", err)}
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: fmt.Errorf("start pipeline: %w", err)}
	}

	s := &session{
		opener:   o,
		cfg:      cfg.Clone(),
		pipeline: pipeline,
		sink:     sink,
	}

	for i := 0; i < o.Warmup; i++ {
		if _, err := s.pull(); err != nil {
			_ = s.Close()
			return nil, &device.Error{Op: "open", Kind: device.ErrOpen, Err: fmt.Errorf("warmup frame %d: %w", i, err)}
		}
	}
	return s, nil
}

func (o *Opener) launchString(cfg types.CameraConfig) string {
	return fmt.Sprintf(
		"v4l2src device=%s extra-controls=%q ! videoconvert ! videoscale ! "+
			"video/x-raw,format=RGB,width=%d,height=%d ! "+
			"appsink name=sink sync=false max-buffers=1 drop=true",
		o.Device, ExtraControls(cfg, o.Bounds), cfg.Width, cfg.Height,
	)
}

// ExtraControls renders cfg as a v4l2src extra-controls structure.
func ExtraControls(cfg types.CameraConfig, bounds types.ExposureBounds) string {
	var b strings.Builder
	b.WriteString("c")
	if cfg.Exposure != nil {
		fmt.Fprintf(&b, ",exposure_auto=%d,exposure_absolute=%d", v4l2.ExposureManual, bounds.Clamp(*cfg.Exposure))
	}
	if cfg.Autofocus {
		b.WriteString(",focus_auto=1")
	} else {
		b.WriteString(",focus_auto=0")
		if cfg.Focus != nil {
			fmt.Fprintf(&b, ",focus_absolute=%d", min(max(*cfg.Focus, types.MinFocus), types.MaxFocus))
		}
	}
	return b.String()
}

type session struct {
	opener   *Opener
	cfg      types.CameraConfig
	pipeline *gst.Pipeline
	sink     *app.Sink

	mu     sync.Mutex
	closed bool
}

func (s *session) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &device.Error{Op: "read", Kind: device.ErrRead, Err: errors.New("session closed")}
	}
	img, err := s.pull()
	if err != nil {
		return nil, &device.Error{Op: "read", Kind: device.ErrRead, Err: err}
	}
	return img, nil
}

func (s *session) pull() (*image.NRGBA, error) {
	sample := s.sink.TryPullSample(s.opener.Timeout)
	if sample == nil {
		return nil, errNoSample
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	return rgbToNRGBA(mapInfo.Bytes(), s.cfg.Width, s.cfg.Height)
}

// rgbToNRGBA converts packed RGB rows to an NRGBA image. Rows may carry
// alignment padding; the stride is derived from the buffer length.
func rgbToNRGBA(data []byte, w, h int) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, types.ErrInvalidResolution
	}
	stride := len(data) / h
	if stride < w*3 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", errShortBuf, len(data), w, h)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := data[y*stride : y*stride+w*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return img, nil
}

func (s *session) Properties() (types.Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.Properties{}, &device.Error{Op: "properties", Kind: device.ErrProperties, Err: errors.New("session closed")}
	}

	ctrls, err := v4l2.ReadControls(s.opener.Device)
	if err != nil {
		return types.Properties{}, &device.Error{Op: "properties", Kind: device.ErrProperties, Err: err}
	}
	return types.Properties{
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Exposure:  ctrls.Exposure,
		Focus:     ctrls.Focus,
		Autofocus: ctrls.Autofocus,
	}, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return &device.Error{Op: "close", Kind: device.ErrClose, Err: fmt.Errorf("set pipeline to NULL: %w", err)}
	}
	return nil
}
