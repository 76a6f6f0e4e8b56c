package config

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Formats accepted for frames.format.
var Formats = []string{"png", "jpg", "webp", "tiff"}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Camera.Width > 0 && c.Camera.Height > 0,
		"camera: resolution %dx%d must be positive", c.Camera.Width, c.Camera.Height)
	check(c.Device.Driver != "", "device.driver: must be set")
	check(c.Device.Timeout > 0, "device.timeout: must be positive")

	if err := c.Bounds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("exposure.min/max: %w", err))
	} else {
		check(c.Bounds().Contains(c.Exposure.Initial),
			"exposure.initial: %d outside [%d, %d]", c.Exposure.Initial, c.Exposure.Min, c.Exposure.Max)
	}
	if err := c.Band().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("exposure.band: %w", err))
	}
	check(c.Exposure.Factor > 1, "exposure.factor: %g must be greater than 1", c.Exposure.Factor)
	check(c.Exposure.MaxIterations > 0, "exposure.max_iterations: must be positive")
	check(c.Exposure.History >= 2, "exposure.history: %d must be at least 2", c.Exposure.History)
	check(c.Exposure.MaxDistinct >= 1 && c.Exposure.MaxDistinct < c.Exposure.History,
		"exposure.max_distinct: %d must be in [1, history)", c.Exposure.MaxDistinct)

	check(c.Schedule.Period > 0, "schedule.period: must be positive")

	check(validFormat(c.Frames.Format), "frames.format: %q not one of %s", c.Frames.Format, strings.Join(Formats, ", "))
	check(c.Frames.Quality >= 1 && c.Frames.Quality <= 100, "frames.quality: %d outside [1, 100]", c.Frames.Quality)
	check(c.Frames.RetentionDays >= 0, "frames.retention_days: must not be negative")
	check(c.Frames.MaxFrames >= 0, "frames.max_frames: must not be negative")

	check(c.Notify.Timeout > 0, "notify.timeout: must be positive")

	if c.HTTP.Username != "" || c.HTTP.PasswordHash != "" {
		check(c.HTTP.Username != "" && c.HTTP.PasswordHash != "",
			"http: username and password_hash must be set together")
		if c.HTTP.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(c.HTTP.PasswordHash)); err != nil {
				errs = append(errs, fmt.Errorf("http.password_hash: %w", err))
			}
		}
	}

	if _, err := c.Logging.Runtime(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validFormat(f string) bool {
	for _, ok := range Formats {
		if f == ok {
			return true
		}
	}
	return false
}
