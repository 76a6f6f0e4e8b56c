package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultTemplate = `# lapse timelapse capture configuration

camera:
  width: %d
  height: %d
  # Leave focus to the device and skip the focus search.
  autofocus: false

device:
  # gstreamer (V4L2 webcam) or sim (simulated camera)
  driver: %s
  path: %s
  timeout: %s

exposure:
  # First estimate when no saved state exists.
  initial: %d
  min: %d
  max: %d
  factor: %g
  max_iterations: %d
  band:
    min: %g
    max: %g
  # Stop when the last <history> exposures hold at most <max_distinct> values.
  history: %d
  max_distinct: %d

schedule:
  period: %s
  # Start from the last converged exposure and focus after a restart.
  resume: true

frames:
  # Empty means $XDG_DATA_HOME/lapse/frames
  dir: ""
  # png, jpg, webp or tiff
  format: %s
  quality: %d
  # Stamp the capture time into the frame.
  overlay: false
  # Zero keeps frames forever.
  retention_days: 0
  max_frames: 0

notify:
  # Plain-text POST target, e.g. a notify.run channel. Empty disables.
  webhook: ""
  message: %q
  timeout: %s

journal:
  # Empty means $XDG_DATA_HOME/lapse/journal
  path: ""
  retention_days: %d

http:
  # Status API listen address, e.g. 127.0.0.1:8089. Empty disables.
  listen: ""
  username: ""
  # bcrypt hash, e.g. from: htpasswd -nbBC 10 "" secret | cut -d: -f2
  password_hash: ""

logging:
  level: info
  # Empty means $XDG_STATE_HOME/lapse/lapse.log
  path: ""
  rotation:
    max_size: 10MB
    max_age: 30
    max_backups: 5
    daily: true
  components:
    exposure: info
    focus: info
    scheduler: info
    daemon: info

daemon:
  # lapsed binary; discovered next to lapse or on PATH if empty
  binary_path: ""
  socket_path: ""
  pid_path: ""
  status_path: ""
`

// DefaultYAML renders the default configuration file.
func DefaultYAML() string {
	return fmt.Sprintf(defaultTemplate,
		DefaultWidth, DefaultHeight,
		DefaultDriver, DefaultDevice, DefaultDeviceTimeout,
		DefaultInitialExposure, DefaultMinExposure, DefaultMaxExposure, DefaultFactor, DefaultMaxIterations,
		DefaultBandMin, DefaultBandMax, DefaultHistory, DefaultMaxDistinct,
		DefaultPeriod,
		DefaultFormat, DefaultQuality,
		DefaultNotifyMessage, DefaultNotifyTimeout,
		DefaultJournalRetentionDays,
	)
}

// WriteDefault writes the default config file unless one exists. It
// returns the path and whether a file was created.
func WriteDefault() (string, bool, error) {
	path, err := ConfigFile()
	if err != nil {
		return "", false, err
	}

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML()), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write default config: %w", err)
	}
	return path, true, nil
}
