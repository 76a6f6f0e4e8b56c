package daemon

import (
	"time"

	"github.com/jamesainslie/lapse/pkg/lapse/config"
	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/focus"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/notify"
	"github.com/jamesainslie/lapse/pkg/lapse/scheduler"
)

// OpenDevice returns the configured capture driver.
func OpenDevice(cfg *config.Config) (device.Opener, error) {
	return device.New(cfg.Device.Driver, device.Options{
		Path:    cfg.Device.Path,
		Timeout: cfg.Device.Timeout,
		Bounds:  cfg.Bounds(),
		Params:  cfg.Device.Params,
	})
}

// OpenFrames returns the configured frame store.
func OpenFrames(cfg *config.Config) (*framestore.Store, error) {
	return framestore.New(framestore.Options{
		Dir:     cfg.Frames.Dir,
		Format:  cfg.Frames.Format,
		Quality: cfg.Frames.Quality,
		Overlay: cfg.Frames.Overlay,
	})
}

// Notifier returns the configured failure notifier.
func Notifier(cfg *config.Config) notify.Notifier {
	return notify.FromURL(cfg.Notify.Webhook, cfg.Notify.Timeout)
}

// ExposureOptions maps the exposure section onto engine options.
func ExposureOptions(cfg *config.Config) exposure.Options {
	return exposure.Options{
		Band:          cfg.Band(),
		Bounds:        cfg.Bounds(),
		Factor:        cfg.Exposure.Factor,
		MaxIterations: cfg.Exposure.MaxIterations,
		History:       cfg.Exposure.History,
		MaxDistinct:   cfg.Exposure.MaxDistinct,
	}
}

// SchedulerSettings maps the configuration onto loop settings.
func SchedulerSettings(cfg *config.Config) scheduler.Settings {
	return scheduler.Settings{
		Camera:   cfg.CameraConfig(),
		Exposure: ExposureOptions(cfg),
		Focus:    focus.DefaultPlan(),
		Period:   cfg.Schedule.Period,
		Message:  cfg.Notify.Message,
		Resume:   cfg.Schedule.Resume,
	}
}

// retention converts a day count into a duration; zero disables.
func retention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
