// Package v4l2 reads and writes Video4Linux2 camera controls.
//
// The GStreamer driver uses it to read back the exposure and focus values
// the camera actually applied, which v4l2src does not report.
package v4l2

import "errors"

// ErrUnsupported is returned on platforms without V4L2.
var ErrUnsupported = errors.New("v4l2 not supported on this platform")

// Control identifiers from linux/v4l2-controls.h.
const (
	CtrlExposureAuto     uint32 = 0x009a0901
	CtrlExposureAbsolute uint32 = 0x009a0902
	CtrlFocusAbsolute    uint32 = 0x009a090a
	CtrlFocusAuto        uint32 = 0x009a090c
)

// Exposure modes for CtrlExposureAuto.
const (
	ExposureAuto   = 0
	ExposureManual = 1
)

// Controls are the camera settings managed by lapse.
type Controls struct {
	Exposure  int
	Focus     int
	Autofocus bool
}
