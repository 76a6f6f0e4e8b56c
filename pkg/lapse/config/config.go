package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// CameraConfig is the requested capture geometry.
type CameraConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`

	// Autofocus leaves focus to the device and skips the focus search.
	Autofocus bool `mapstructure:"autofocus"`
}

// DeviceConfig selects and configures the capture driver.
type DeviceConfig struct {
	Driver  string            `mapstructure:"driver"`
	Path    string            `mapstructure:"path"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Params  map[string]string `mapstructure:"params"`
}

// BandConfig is the target brightness band.
type BandConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// ExposureConfig tunes the exposure search.
type ExposureConfig struct {
	Initial       int        `mapstructure:"initial"`
	Min           int        `mapstructure:"min"`
	Max           int        `mapstructure:"max"`
	Factor        float64    `mapstructure:"factor"`
	MaxIterations int        `mapstructure:"max_iterations"`
	Band          BandConfig `mapstructure:"band"`

	// History and MaxDistinct parameterise oscillation detection: the
	// search stops once the last History exposures hold at most
	// MaxDistinct values.
	History     int `mapstructure:"history"`
	MaxDistinct int `mapstructure:"max_distinct"`
}

// ScheduleConfig controls the capture cadence.
type ScheduleConfig struct {
	Period time.Duration `mapstructure:"period"`

	// Resume starts from the last converged exposure and focus saved in
	// the journal instead of the configured initial values.
	Resume bool `mapstructure:"resume"`
}

// FramesConfig controls where and how frames are written.
type FramesConfig struct {
	Dir           string `mapstructure:"dir"`
	Format        string `mapstructure:"format"`
	Quality       int    `mapstructure:"quality"`
	Overlay       bool   `mapstructure:"overlay"`
	RetentionDays int    `mapstructure:"retention_days"`
	MaxFrames     int    `mapstructure:"max_frames"`
}

// NotifyConfig configures the failure notification.
type NotifyConfig struct {
	Webhook string        `mapstructure:"webhook"`
	Message string        `mapstructure:"message"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JournalConfig configures the cycle journal database.
type JournalConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// HTTPConfig configures the read-only status API. An empty Listen
// disables it.
type HTTPConfig struct {
	Listen       string `mapstructure:"listen"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// DaemonConfig configures the capture daemon.
type DaemonConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // lapsed binary, discovered if empty
	SocketPath string `mapstructure:"socket_path"`
	PIDPath    string `mapstructure:"pid_path"`
	StatusPath string `mapstructure:"status_path"`
}

// Config is the complete lapse configuration.
type Config struct {
	Camera   CameraConfig   `mapstructure:"camera"`
	Device   DeviceConfig   `mapstructure:"device"`
	Exposure ExposureConfig `mapstructure:"exposure"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Frames   FramesConfig   `mapstructure:"frames"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Journal  JournalConfig  `mapstructure:"journal"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Load reads the configuration from the default locations:
//   - $XDG_CONFIG_HOME/lapse/config.yaml
//   - $HOME/.config/lapse/config.yaml
//
// A missing file is not an error. Environment variables prefixed with
// LAPSE_ override file values, e.g. LAPSE_EXPOSURE_FACTOR=1.1.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the configuration from path, or from the default
// locations when path is empty. An explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			v.AddConfigPath(filepath.Join(dir, "lapse"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "lapse"))
		}
	}

	v.SetEnvPrefix("LAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("camera.width", DefaultWidth)
	v.SetDefault("camera.height", DefaultHeight)
	v.SetDefault("camera.autofocus", false)

	v.SetDefault("device.driver", DefaultDriver)
	v.SetDefault("device.path", DefaultDevice)
	v.SetDefault("device.timeout", DefaultDeviceTimeout)
	v.SetDefault("device.params", map[string]string{})

	v.SetDefault("exposure.initial", DefaultInitialExposure)
	v.SetDefault("exposure.min", DefaultMinExposure)
	v.SetDefault("exposure.max", DefaultMaxExposure)
	v.SetDefault("exposure.factor", DefaultFactor)
	v.SetDefault("exposure.max_iterations", DefaultMaxIterations)
	v.SetDefault("exposure.band.min", DefaultBandMin)
	v.SetDefault("exposure.band.max", DefaultBandMax)
	v.SetDefault("exposure.history", DefaultHistory)
	v.SetDefault("exposure.max_distinct", DefaultMaxDistinct)

	v.SetDefault("schedule.period", DefaultPeriod)
	v.SetDefault("schedule.resume", true)

	v.SetDefault("frames.dir", "")
	v.SetDefault("frames.format", DefaultFormat)
	v.SetDefault("frames.quality", DefaultQuality)
	v.SetDefault("frames.overlay", false)
	v.SetDefault("frames.retention_days", 0)
	v.SetDefault("frames.max_frames", 0)

	v.SetDefault("notify.webhook", "")
	v.SetDefault("notify.message", DefaultNotifyMessage)
	v.SetDefault("notify.timeout", DefaultNotifyTimeout)

	v.SetDefault("journal.path", "")
	v.SetDefault("journal.retention_days", DefaultJournalRetentionDays)

	v.SetDefault("http.listen", "")
	v.SetDefault("http.username", "")
	v.SetDefault("http.password_hash", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"exposure":  "info",
		"focus":     "info",
		"scheduler": "info",
		"daemon":    "info",
	})

	v.SetDefault("daemon.binary_path", "")
	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.status_path", "")
}

// resolvePaths expands ~ and fills empty paths with XDG defaults.
func (c *Config) resolvePaths() error {
	fill := func(p *string, def string) error {
		if *p == "" {
			*p = def
			return nil
		}
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
		return nil
	}

	for _, f := range []struct {
		p   *string
		def string
	}{
		{&c.Frames.Dir, DefaultFramesDir()},
		{&c.Journal.Path, DefaultJournalPath()},
		{&c.Logging.Path, DefaultLogPath()},
		{&c.Daemon.SocketPath, DefaultSocketPath()},
		{&c.Daemon.PIDPath, DefaultPIDPath()},
		{&c.Daemon.StatusPath, DefaultStatusPath()},
	} {
		if err := fill(f.p, f.def); err != nil {
			return err
		}
	}
	return nil
}

// CameraConfig returns the initial device configuration: the configured
// geometry and autofocus flag with the initial exposure estimate.
func (c *Config) CameraConfig() types.CameraConfig {
	cfg := types.CameraConfig{
		Width:     c.Camera.Width,
		Height:    c.Camera.Height,
		Autofocus: c.Camera.Autofocus,
	}
	cfg.SetExposure(c.Exposure.Initial)
	return cfg
}

// Band returns the target brightness band.
func (c *Config) Band() types.Band {
	return types.Band{Min: c.Exposure.Band.Min, Max: c.Exposure.Band.Max}
}

// Bounds returns the device exposure limits.
func (c *Config) Bounds() types.ExposureBounds {
	return types.ExposureBounds{Min: c.Exposure.Min, Max: c.Exposure.Max}
}

// Runtime converts the logging section for logging.Init.
func (l LoggingConfig) Runtime() (logging.Config, error) {
	rot := logging.RotationConfig{
		MaxAge:     l.Rotation.MaxAge,
		MaxBackups: l.Rotation.MaxBackups,
		Daily:      l.Rotation.Daily,
	}
	if l.Rotation.MaxSize != "" {
		size, err := humanize.ParseBytes(l.Rotation.MaxSize)
		if err != nil {
			return logging.Config{}, fmt.Errorf("logging.rotation.max_size: %w", err)
		}
		rot.MaxSize = int64(size)
	}
	return logging.Config{
		Level:      l.Level,
		Path:       l.Path,
		Rotation:   rot,
		Components: l.Components,
	}, nil
}

// ConfigDir returns the configuration directory.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lapse"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "lapse"), nil
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/lapse, home of frames, the journal and
// daemon runtime files.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "lapse")
}

// StateDir returns $XDG_STATE_HOME/lapse for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "lapse")
}

// DefaultFramesDir returns the default frame directory.
func DefaultFramesDir() string { return filepath.Join(DataDir(), "frames") }

// DefaultJournalPath returns the default journal database directory.
func DefaultJournalPath() string { return filepath.Join(DataDir(), "journal") }

// DefaultSocketPath returns the default daemon socket.
func DefaultSocketPath() string { return filepath.Join(DataDir(), "lapse.sock") }

// DefaultPIDPath returns the default daemon PID file.
func DefaultPIDPath() string { return filepath.Join(DataDir(), "lapse.pid") }

// DefaultStatusPath returns the default daemon status file.
func DefaultStatusPath() string { return filepath.Join(DataDir(), "status.json") }

// DefaultLogPath returns the default log file.
func DefaultLogPath() string { return filepath.Join(StateDir(), "lapse.log") }

// EnsureDataDir creates the data directory.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
