package scheduler

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/device/sim"
	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

type memJournal struct {
	mu     sync.Mutex
	cycles []*types.CycleLog
	state  *journal.State
}

func (m *memJournal) Record(c *types.CycleLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, c)
	return nil
}

func (m *memJournal) SaveState(st journal.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	return nil
}

func (m *memJournal) LoadState() (journal.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return journal.State{}, journal.ErrNotFound
	}
	return *m.state, nil
}

type countingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *countingNotifier) Send(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

type failingSaver struct{}

func (failingSaver) Save(image.Image, string) (string, error) {
	return "", &framestore.Error{Op: "create", Path: "/readonly/x.png", Err: os.ErrPermission}
}

var epoch = time.Date(2024, 3, 2, 14, 5, 9, 0, time.Local)

func fixedClock() func() time.Time { return func() time.Time { return epoch } }

func settings() Settings {
	cam := types.CameraConfig{Width: 64, Height: 48}
	cam.SetExposure(15)
	return Settings{
		Camera:   cam,
		Exposure: exposure.Options{Band: types.Band{Min: 90, Max: 95}},
		Period:   time.Minute,
	}
}

func store(t *testing.T) *framestore.Store {
	t.Helper()
	fs, err := framestore.New(framestore.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return fs
}

func TestRunCycle_Success(t *testing.T) {
	cam := sim.New()
	j := &memJournal{}
	s := New(cam, store(t), settings(), WithJournal(j), WithClock(fixedClock(), Sleep))

	entry, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "capture_20240302_140509", entry.FrameID)
	assert.FileExists(t, entry.FramePath)
	assert.Equal(t, 21, entry.Exposure)
	assert.Equal(t, "converged", entry.ExposureState)
	assert.InDelta(t, sim.DefaultFocusPeak, entry.Focus, 2)
	assert.Positive(t, entry.FocusProbes)
	require.NotNil(t, entry.Properties)
	assert.Equal(t, 21, entry.Properties.Exposure)
	assert.False(t, entry.Properties.Autofocus)
	assert.NotEmpty(t, entry.ID)

	assert.Equal(t, 1, cam.Stats().MaxOpen, "sessions never overlap")
	assert.Zero(t, cam.Stats().Open)

	require.Len(t, j.cycles, 1)
	require.NotNil(t, j.state)
	assert.Equal(t, 21, j.state.Exposure)
	require.NotNil(t, j.state.Focus)
	assert.Equal(t, entry.Focus, *j.state.Focus)

	st := s.Status()
	assert.Equal(t, 1, st.Cycles)
	assert.Zero(t, st.Failures)
	assert.Equal(t, types.OutcomeSuccess, st.LastOutcome)
	assert.False(t, st.Notified)
}

func TestRunCycle_AutofocusSkipsFocusSearch(t *testing.T) {
	cam := sim.New()
	set := settings()
	set.Camera.Autofocus = true
	s := New(cam, store(t), set, WithClock(fixedClock(), Sleep))

	entry, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, entry.FocusProbes)
	assert.Equal(t, entry.ExposureIterations+1, cam.Stats().Opens)
	for _, req := range cam.Requests() {
		assert.True(t, req.Autofocus)
		assert.Nil(t, req.Focus)
	}
}

func TestRunCycle_FailureNotifiesOnce(t *testing.T) {
	cam := sim.New()
	cam.ReadErr = errors.New("VIDIOC_DQBUF: no such device")
	n := &countingNotifier{}
	j := &memJournal{}
	s := New(cam, store(t), settings(), WithNotifier(n), WithJournal(j))

	for i := 0; i < 3; i++ {
		entry, err := s.RunCycle(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrRead)
		assert.Equal(t, types.OutcomeFailure, entry.Outcome)
		assert.NotEmpty(t, entry.Error)
	}

	assert.Equal(t, []string{DefaultMessage}, n.messages)
	assert.Zero(t, cam.Stats().Open, "sessions released after failures")
	assert.Len(t, j.cycles, 3)
	assert.Nil(t, j.state, "failed cycles do not update resume state")

	st := s.Status()
	assert.Equal(t, 3, st.Cycles)
	assert.Equal(t, 3, st.Failures)
	assert.True(t, st.Notified)
	assert.Equal(t, types.OutcomeFailure, st.LastOutcome)
}

func TestRunCycle_PersistenceFailure(t *testing.T) {
	cam := sim.New()
	set := settings()
	set.Camera.Autofocus = true
	n := &countingNotifier{}
	s := New(cam, failingSaver{}, set, WithNotifier(n))

	entry, err := s.RunCycle(context.Background())
	var fe *framestore.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.OutcomeFailure, entry.Outcome)
	assert.Empty(t, entry.FrameID)
	assert.Len(t, n.messages, 1)
	assert.Zero(t, cam.Stats().Open)
}

func TestRunCycle_CancelledDoesNotNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := &countingNotifier{}
	s := New(sim.New(), store(t), settings(), WithNotifier(n))

	_, err := s.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, n.messages)
}

func TestRunCycle_CarriesExposure(t *testing.T) {
	cam := sim.New()
	s := New(cam, store(t), settings())

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	first := len(cam.Requests())

	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)

	req := cam.Requests()[first]
	require.NotNil(t, req.Exposure)
	assert.Equal(t, 21, *req.Exposure, "second cycle starts from the converged exposure")
}

func TestRunCycle_Resume(t *testing.T) {
	focus := 100
	j := &memJournal{state: &journal.State{Exposure: 40, Focus: &focus}}
	cam := sim.New()
	set := settings()
	set.Resume = true
	s := New(cam, store(t), set, WithJournal(j))

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	first := cam.Requests()[0]
	require.NotNil(t, first.Exposure)
	assert.Equal(t, 40, *first.Exposure)
}

func TestUpdate_AppliesAtNextCycle(t *testing.T) {
	set := settings()
	set.Camera.Autofocus = true
	s := New(sim.New(), store(t), set)

	next := set
	next.Period = 30 * time.Second
	next.Message = "camera down"
	s.Update(next)
	assert.Equal(t, time.Minute, s.Settings().Period, "pending until the next cycle")

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, s.Settings().Period)
	assert.Equal(t, "camera down", s.Settings().Message)
}

func TestRun_AnchoredSchedule(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := func() time.Time { return now }
	sleep := func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		now = now.Add(d)
		if len(sleeps) == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	// Every cycle takes seven seconds of wall time.
	slow := func(*types.CycleLog) { now = now.Add(7 * time.Second) }

	set := settings()
	set.Camera.Autofocus = true
	s := New(sim.New(), store(t), set, WithClock(clock, sleep), WithCycleHook(slow))

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{53 * time.Second, 53 * time.Second, 53 * time.Second}, sleeps)
	assert.Equal(t, 3, s.Status().Cycles)
	assert.False(t, s.Status().Running)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	set := settings()
	set.Camera.Autofocus = true
	set.Period = time.Hour
	s := New(sim.New(), store(t), set, WithCycleHook(func(*types.CycleLog) { cancel() }))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		elapsed, period, want time.Duration
	}{
		{0, time.Minute, time.Minute},
		{7 * time.Second, time.Minute, 53 * time.Second},
		{time.Minute, time.Minute, time.Minute},
		{125 * time.Second, time.Minute, 55 * time.Second},
		{-time.Second, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.elapsed, tt.period), "elapsed %s", tt.elapsed)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
