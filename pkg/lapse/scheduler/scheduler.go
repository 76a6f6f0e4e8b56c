// Package scheduler drives the capture loop: every period it converges
// exposure, converges focus, captures a frame and persists it. Failures end
// the cycle, are recorded, and notify the operator once per process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/focus"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/metrics"
	"github.com/jamesainslie/lapse/pkg/lapse/notify"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// DefaultMessage is the notification sent on the first failure.
const DefaultMessage = "Timelapse has run into an error"

// FrameSaver persists a frame under an identifier.
type FrameSaver interface {
	Save(img image.Image, id string) (string, error)
}

// Journal records cycles and the resume state.
type Journal interface {
	Record(c *types.CycleLog) error
	SaveState(st journal.State) error
	LoadState() (journal.State, error)
}

// Settings are the tunables of the loop. They may be replaced between
// cycles with Update.
type Settings struct {
	// Camera is the starting configuration: resolution, autofocus and the
	// initial exposure estimate.
	Camera   types.CameraConfig
	Exposure exposure.Options
	Focus    focus.Plan
	Period   time.Duration
	Message  string

	// Resume starts from the journal's last converged settings.
	Resume bool
}

// Status is a snapshot of the loop for health and status surfaces.
type Status struct {
	Running     bool            `json:"running"`
	Cycles      int             `json:"cycles"`
	Failures    int             `json:"failures"`
	Notified    bool            `json:"notified"`
	LastOutcome types.Outcome   `json:"last_outcome,omitempty"`
	LastCycle   *types.CycleLog `json:"last_cycle,omitempty"`
	NextCycle   time.Time       `json:"next_cycle,omitempty"`
	Exposure    int             `json:"exposure"`
	Focus       *int            `json:"focus,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJournal records every cycle into j and resumes from it.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithNotifier sets where the one-shot failure notification goes.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = notify.NewLatch(n) }
}

// WithClock replaces the wall clock and the inter-cycle sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

// WithCycleHook calls fn after every cycle with its log.
func WithCycleHook(fn func(*types.CycleLog)) Option {
	return func(s *Scheduler) { s.hooks = append(s.hooks, fn) }
}

// WithExposureObserver forwards exposure probes to fn.
func WithExposureObserver(fn exposure.Observer) Option {
	return func(s *Scheduler) { s.exposureObs = fn }
}

// WithFocusObserver forwards focus probes to fn.
func WithFocusObserver(fn focus.Observer) Option {
	return func(s *Scheduler) { s.focusObs = fn }
}

// Scheduler runs capture cycles.
type Scheduler struct {
	opener   device.Opener
	frames   FrameSaver
	journal  Journal
	notifier *notify.Latch
	hooks    []func(*types.CycleLog)

	exposureObs exposure.Observer
	focusObs    focus.Observer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	log   *logging.Logger

	// cfg is owned by the capture goroutine and carried across cycles.
	cfg     types.CameraConfig
	resumed bool

	mu       sync.Mutex
	settings Settings
	pending  *Settings
	status   Status
}

// New returns a scheduler capturing through opener into frames.
func New(opener device.Opener, frames FrameSaver, settings Settings, opts ...Option) *Scheduler {
	s := &Scheduler{
		opener:   opener,
		frames:   frames,
		notifier: notify.NewLatch(notify.Nop{}),
		now:      time.Now,
		sleep:    Sleep,
		log:      logging.Get("scheduler"),
		settings: settings.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.settings.Camera.Clone()
	return s
}

func (st Settings) withDefaults() Settings {
	if st.Period <= 0 {
		st.Period = time.Minute
	}
	if st.Message == "" {
		st.Message = DefaultMessage
	}
	if st.Camera.Exposure == nil {
		st.Camera.SetExposure(types.DefaultMinExposure)
	}
	return st
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Update replaces the settings from the next cycle on. Resolution and
// autofocus take effect immediately; the carried exposure and focus are
// kept.
func (s *Scheduler) Update(settings Settings) {
	settings = settings.withDefaults()
	s.mu.Lock()
	s.pending = &settings
	s.mu.Unlock()
	s.log.Info("settings updated, applying at next cycle", "period", settings.Period)
}

// Settings returns the active settings.
func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Status returns a snapshot of the loop.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Notified = s.notifier.Fired()
	return st
}

// Run captures every period until ctx is cancelled. Cycle failures never
// stop the loop. The schedule is anchored at the start so that slow cycles
// do not drift it.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.now()
	s.setRunning(true)
	defer s.setRunning(false)

	s.log.Info("capture loop started", "period", s.Settings().Period)
	for {
		_, _ = s.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		period := s.Settings().Period
		wait := Delay(s.now().Sub(start), period)
		s.mu.Lock()
		s.status.NextCycle = s.now().Add(wait)
		s.mu.Unlock()

		s.log.Debug("sleeping until next cycle", "wait", wait)
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}
	s.log.Info("capture loop stopped")
	return ctx.Err()
}

// Delay returns the wait until the next period boundary after elapsed.
func Delay(elapsed, period time.Duration) time.Duration {
	if elapsed < 0 {
		elapsed = 0
	}
	return period - elapsed%period
}

// RunCycle runs one capture cycle and returns its log. A failed cycle is
// reported in the log's Outcome and also returned as the error.
func (s *Scheduler) RunCycle(ctx context.Context) (*types.CycleLog, error) {
	settings := s.applyPending()
	s.resume(settings)

	started := s.now()
	entry := &types.CycleLog{
		ID:        uuid.NewString(),
		Timestamp: started,
	}
	log := s.log.With("cycle", entry.ID)

	err := s.cycle(ctx, settings, entry, log)
	entry.Duration = s.now().Sub(started)
	entry.Exposure = s.cfg.ExposureOr(0)
	entry.Focus = s.cfg.FocusOr(0)

	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.Error = err.Error()
		log.Error("capture cycle failed", "error", err, "exposure", entry.Exposure, "focus", entry.Focus)
		if ctx.Err() == nil {
			s.notifyFailure(ctx, settings.Message, log)
		}
	} else {
		entry.Outcome = types.OutcomeSuccess
		log.Info("capture cycle complete",
			"frame", entry.FrameID,
			"exposure", entry.Exposure,
			"focus", entry.Focus,
			"brightness", entry.Brightness,
			"sharpness", entry.Sharpness,
			"duration", entry.Duration,
		)
	}

	s.record(entry, log)
	s.finish(entry)
	return entry, err
}

// cycle runs the engines and the final capture on the carried config.
func (s *Scheduler) cycle(ctx context.Context, settings Settings, entry *types.CycleLog, log *logging.Logger) error {
	exp := exposure.New(s.opener, settings.Exposure)
	if s.exposureObs != nil {
		exp.Observe(s.exposureObs)
	}
	er, err := exp.Run(ctx, &s.cfg)
	entry.ExposureState = er.State.String()
	entry.ExposureIterations = er.Iterations
	entry.Brightness = er.Brightness
	if err != nil {
		return err
	}

	if !s.cfg.Autofocus {
		fe := focus.New(s.opener, settings.Focus)
		if s.focusObs != nil {
			fe.Observe(s.focusObs)
		}
		fr, err := fe.Run(ctx, &s.cfg)
		entry.FocusProbes = fr.Probes
		entry.Sharpness = fr.Sharpness
		if err != nil {
			return err
		}
	}

	return s.capture(ctx, entry, log)
}

// capture opens the final session, reads a frame and its properties and
// persists the frame. The session is released on every path.
func (s *Scheduler) capture(ctx context.Context, entry *types.CycleLog, log *logging.Logger) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := s.opener.Open(ctx, s.cfg)
	if err != nil {
		return device.Wrap("open", device.ErrOpen, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			if err == nil {
				err = device.Wrap("close", device.ErrClose, cerr)
			} else {
				log.Warn("release after failed capture", "error", cerr)
			}
		}
	}()

	img, err := sess.ReadFrame()
	if err != nil {
		return device.Wrap("read", device.ErrRead, err)
	}
	props, err := sess.Properties()
	if err != nil {
		return device.Wrap("properties", device.ErrProperties, err)
	}
	entry.Properties = &props

	if q, err := metrics.Measure(img); err == nil {
		entry.Brightness = q.Brightness
		entry.Sharpness = q.Sharpness
	}

	id := framestore.ID(entry.Timestamp)
	path, err := s.frames.Save(img, id)
	if err != nil {
		return fmt.Errorf("saving frame %s: %w", id, err)
	}
	entry.FrameID = id
	entry.FramePath = path
	return nil
}

func (s *Scheduler) applyPending() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.settings = *s.pending
		s.pending = nil
		s.cfg.Width = s.settings.Camera.Width
		s.cfg.Height = s.settings.Camera.Height
		s.cfg.Autofocus = s.settings.Camera.Autofocus
		if s.cfg.Autofocus {
			s.cfg.Focus = nil
		}
	}
	return s.settings
}

// resume seeds the carried config from the journal once.
func (s *Scheduler) resume(settings Settings) {
	if s.resumed {
		return
	}
	s.resumed = true
	if !settings.Resume || s.journal == nil {
		return
	}

	st, err := s.journal.LoadState()
	if err != nil {
		if !errors.Is(err, journal.ErrNotFound) {
			s.log.Warn("could not load resume state", "error", err)
		}
		return
	}
	bounds := settings.Exposure.Bounds
	if bounds.Max == 0 {
		bounds = types.DefaultExposureBounds()
	}
	s.cfg.SetExposure(bounds.Clamp(st.Exposure))
	if st.Focus != nil && !s.cfg.Autofocus {
		s.cfg.SetFocus(*st.Focus)
	}
	s.log.Info("resuming from saved state", "exposure", *s.cfg.Exposure, "cycle", st.CycleID)
}

func (s *Scheduler) notifyFailure(ctx context.Context, message string, log *logging.Logger) {
	if s.notifier.Fired() {
		return
	}
	if err := s.notifier.Send(ctx, message); err != nil {
		log.Error("failure notification not delivered", "error", err)
		return
	}
	log.Info("failure notification sent")
}

func (s *Scheduler) record(entry *types.CycleLog, log *logging.Logger) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(entry); err != nil {
		log.Error("could not record cycle", "error", err)
	}
	if !entry.Succeeded() {
		return
	}
	st := journal.State{Exposure: entry.Exposure, CycleID: entry.ID, UpdatedAt: entry.Timestamp}
	if s.cfg.Focus != nil {
		f := *s.cfg.Focus
		st.Focus = &f
	}
	if err := s.journal.SaveState(st); err != nil {
		log.Error("could not save resume state", "error", err)
	}
}

func (s *Scheduler) finish(entry *types.CycleLog) {
	s.mu.Lock()
	s.status.Cycles++
	if !entry.Succeeded() {
		s.status.Failures++
	}
	s.status.LastOutcome = entry.Outcome
	s.status.LastCycle = entry
	s.status.Exposure = s.cfg.ExposureOr(0)
	s.status.Focus = nil
	if s.cfg.Focus != nil {
		f := *s.cfg.Focus
		s.status.Focus = &f
	}
	hooks := s.hooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(entry)
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.status.Running = v
	s.mu.Unlock()
}
