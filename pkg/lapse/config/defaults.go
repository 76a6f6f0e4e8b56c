// Package config loads lapse configuration from YAML files and LAPSE_*
// environment variables.
package config

import "time"

// Default configuration values.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720

	DefaultDriver = "gstreamer"
	DefaultDevice = "/dev/video0"

	// DefaultInitialExposure is the first estimate used without saved state.
	DefaultInitialExposure = 15
	DefaultMinExposure     = 3
	DefaultMaxExposure     = 2047
	DefaultFactor          = 1.05
	DefaultMaxIterations   = 1000
	DefaultBandMin         = 90.0
	DefaultBandMax         = 95.0
	DefaultHistory         = 5
	DefaultMaxDistinct     = 2

	DefaultFormat  = "png"
	DefaultQuality = 90

	DefaultNotifyMessage = "Timelapse has run into an error"

	DefaultJournalRetentionDays = 30
)

// Default durations.
const (
	DefaultPeriod        = 60 * time.Second
	DefaultDeviceTimeout = 5 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
)
