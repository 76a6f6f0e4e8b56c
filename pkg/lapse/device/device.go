// Package device defines the capture device capability used by the
// convergence engines and the scheduler, plus a registry of drivers.
//
// A Session is a short-lived handle on the physical device: it is opened
// with a requested configuration, yields frames and effective properties,
// and must be closed before the next session is opened.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// Failure classes. Every driver error is reported as an *Error that matches
// exactly one of these with errors.Is.
var (
	ErrOpen       = errors.New("open failed")
	ErrRead       = errors.New("frame read failed")
	ErrProperties = errors.New("property read failed")
	ErrClose      = errors.New("release failed")
)

// Error is a failure reported by a capture device.
type Error struct {
	// Op is the operation that failed: open, read, properties or close.
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the failure class and the driver cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns err as an *Error of the given class. An err that already is
// an *Error is returned unchanged.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Opener opens sessions on a capture device.
type Opener interface {
	Open(ctx context.Context, cfg types.CameraConfig) (Session, error)
}

// Session is an open handle on a capture device.
type Session interface {
	// ReadFrame captures one RGB frame.
	ReadFrame() (image.Image, error)

	// Properties reads back the values the device actually applied.
	Properties() (types.Properties, error)

	// Close releases the device.
	Close() error
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg types.CameraConfig) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg types.CameraConfig) (Session, error) {
	return f(ctx, cfg)
}

// Probe opens a session with cfg, reads one frame and closes the session.
// The session is released on every exit path.
func Probe(ctx context.Context, opener Opener, cfg types.CameraConfig) (img image.Image, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := opener.Open(ctx, cfg)
	if err != nil {
		return nil, Wrap("open", ErrOpen, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			if err == nil {
				err = Wrap("close", ErrClose, cerr)
				img = nil
			} else {
				logging.Get("device").Warn("release after failed probe", "error", cerr)
			}
		}
	}()

	img, err = sess.ReadFrame()
	if err != nil {
		return nil, Wrap("read", ErrRead, err)
	}
	return img, nil
}
