// Package types provides core data types for the lapse timelapse capturer.
// It includes the camera configuration shared by the convergence engines,
// the brightness band, effective device properties, and the per-cycle log
// record written by the scheduler.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Device-independent parameter limits.
const (
	// DefaultMinExposure is the lowest exposure accepted by typical UVC webcams.
	DefaultMinExposure = 3

	// DefaultMaxExposure is the highest exposure accepted by typical UVC webcams.
	DefaultMaxExposure = 2047

	// MinFocus is the lowest focus position.
	MinFocus = 0

	// MaxFocus is the highest focus position.
	MaxFocus = 250
)

// Validation errors.
var (
	ErrInvalidBand       = errors.New("invalid brightness band")
	ErrInvalidBounds     = errors.New("invalid exposure bounds")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// ExposureBounds are the device-specific limits of the exposure control.
type ExposureBounds struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// DefaultExposureBounds returns the bounds of a typical UVC webcam.
func DefaultExposureBounds() ExposureBounds {
	return ExposureBounds{Min: DefaultMinExposure, Max: DefaultMaxExposure}
}

// Clamp limits v to [Min, Max].
func (b ExposureBounds) Clamp(v int) int {
	return min(max(v, b.Min), b.Max)
}

// Contains reports whether v lies within the bounds.
func (b ExposureBounds) Contains(v int) bool {
	return v >= b.Min && v <= b.Max
}

// Validate checks that the bounds describe a usable range.
func (b ExposureBounds) Validate() error {
	if b.Min < 1 || b.Max <= b.Min {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidBounds, b.Min, b.Max)
	}
	return nil
}

// Band is the acceptable brightness range of a correctly exposed frame.
type Band struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Below reports whether brightness b is too dark.
func (b Band) Below(v float64) bool {
	return v <= b.Min
}

// Above reports whether brightness b is too bright.
func (b Band) Above(v float64) bool {
	return v >= b.Max
}

// Contains reports whether brightness v is strictly inside the band.
func (b Band) Contains(v float64) bool {
	return !b.Below(v) && !b.Above(v)
}

// Validate checks that the band is non-empty.
func (b Band) Validate() error {
	if b.Min < 0 || b.Max <= b.Min {
		return fmt.Errorf("%w: [%g, %g]", ErrInvalidBand, b.Min, b.Max)
	}
	return nil
}

// String returns the band as "[min, max]".
func (b Band) String() string {
	return fmt.Sprintf("[%g, %g]", b.Min, b.Max)
}

// CameraConfig is the configuration requested from a device session.
// Exposure and Focus are nil until an initial estimate or a convergence
// engine sets them. The exposure engine owns Exposure during its run and the
// focus engine owns Focus during its run; nothing mutates them concurrently.
type CameraConfig struct {
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	Autofocus bool `json:"autofocus"`
	Exposure  *int `json:"exposure,omitempty"`
	Focus     *int `json:"focus,omitempty"`
}

// SetExposure sets the exposure field.
func (c *CameraConfig) SetExposure(v int) {
	c.Exposure = &v
}

// SetFocus sets the focus field.
func (c *CameraConfig) SetFocus(v int) {
	c.Focus = &v
}

// ExposureOr returns the exposure, or def when it is unset.
func (c CameraConfig) ExposureOr(def int) int {
	if c.Exposure == nil {
		return def
	}
	return *c.Exposure
}

// FocusOr returns the focus, or def when it is unset.
func (c CameraConfig) FocusOr(def int) int {
	if c.Focus == nil {
		return def
	}
	return *c.Focus
}

// WithExposure returns a copy of the config with Exposure set to v.
func (c CameraConfig) WithExposure(v int) CameraConfig {
	out := c.Clone()
	out.SetExposure(v)
	return out
}

// WithFocus returns a copy of the config with Focus set to v and autofocus off.
func (c CameraConfig) WithFocus(v int) CameraConfig {
	out := c.Clone()
	out.Autofocus = false
	out.SetFocus(v)
	return out
}

// Clone returns a deep copy of the config.
func (c CameraConfig) Clone() CameraConfig {
	out := c
	if c.Exposure != nil {
		out.SetExposure(*c.Exposure)
	}
	if c.Focus != nil {
		out.SetFocus(*c.Focus)
	}
	return out
}

// Validate checks resolution and the range of any set parameter.
func (c CameraConfig) Validate(bounds ExposureBounds) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, c.Width, c.Height)
	}
	if c.Exposure != nil && !bounds.Contains(*c.Exposure) {
		return fmt.Errorf("exposure %d outside [%d, %d]", *c.Exposure, bounds.Min, bounds.Max)
	}
	if c.Focus != nil && (*c.Focus < MinFocus || *c.Focus > MaxFocus) {
		return fmt.Errorf("focus %d outside [%d, %d]", *c.Focus, MinFocus, MaxFocus)
	}
	return nil
}

// String returns a compact description for log lines.
func (c CameraConfig) String() string {
	exposure, focus := "auto", "auto"
	if c.Exposure != nil {
		exposure = fmt.Sprint(*c.Exposure)
	}
	if c.Focus != nil {
		focus = fmt.Sprint(*c.Focus)
	}
	return fmt.Sprintf("%dx%d exposure=%s focus=%s autofocus=%t", c.Width, c.Height, exposure, focus, c.Autofocus)
}

// Properties are the effective values reported by an open device session.
// Devices are free to ignore requested values, so these are logged as-is.
type Properties struct {
	Width     int  `json:"width" yaml:"width"`
	Height    int  `json:"height" yaml:"height"`
	Exposure  int  `json:"exposure" yaml:"exposure"`
	Focus     int  `json:"focus" yaml:"focus"`
	Autofocus bool `json:"autofocus" yaml:"autofocus"`
}

// Outcome is the result of one scheduler cycle.
type Outcome string

const (
	// OutcomeSuccess marks a cycle that persisted a frame.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure marks a cycle that ended early on an error.
	OutcomeFailure Outcome = "failure"
)

// CycleLog is the record emitted once per scheduler cycle.
type CycleLog struct {
	ID                 string        `json:"id" yaml:"id"`
	Timestamp          time.Time     `json:"timestamp" yaml:"timestamp"`
	Outcome            Outcome       `json:"outcome" yaml:"outcome"`
	Exposure           int           `json:"exposure" yaml:"exposure"`
	Focus              int           `json:"focus" yaml:"focus"`
	Brightness         float64       `json:"brightness" yaml:"brightness"`
	Sharpness          float64       `json:"sharpness" yaml:"sharpness"`
	FrameID            string        `json:"frame_id,omitempty" yaml:"frame_id,omitempty"`
	FramePath          string        `json:"frame_path,omitempty" yaml:"frame_path,omitempty"`
	Properties         *Properties   `json:"properties,omitempty" yaml:"properties,omitempty"`
	ExposureState      string        `json:"exposure_state,omitempty" yaml:"exposure_state,omitempty"`
	ExposureIterations int           `json:"exposure_iterations" yaml:"exposure_iterations"`
	FocusProbes        int           `json:"focus_probes" yaml:"focus_probes"`
	Duration           time.Duration `json:"duration" yaml:"duration"`
	Error              string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the cycle persisted a frame.
func (l *CycleLog) Succeeded() bool {
	return l.Outcome == OutcomeSuccess
}
