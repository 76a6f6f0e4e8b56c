package httpapi

import (
	"bufio"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jamesainslie/lapse/pkg/daemon/broadcaster"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/scheduler"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

type fixture struct {
	journal *journal.Journal
	frames  *framestore.Store
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j, err := journal.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	frames, err := framestore.New(framestore.Options{Dir: t.TempDir()})
	require.NoError(t, err)

	return &fixture{
		journal: j,
		frames:  frames,
		server: &Server{
			Cycles:    j,
			Frames:    frames,
			FramesDir: frames.Dir(),
			Status:    func() scheduler.Status { return scheduler.Status{Running: true, Cycles: 2, Exposure: 21} },
			Logs: func(n int) []logging.Entry {
				return []logging.Entry{{Component: "scheduler", Message: "cycle complete"}}[:min(n, 1)]
			},
			Version: "test",
		},
	}
}

func (f *fixture) record(t *testing.T, ts time.Time, outcome types.Outcome) *types.CycleLog {
	t.Helper()
	c := &types.CycleLog{Timestamp: ts, Outcome: outcome, Exposure: 21}
	require.NoError(t, f.journal.Record(c))
	return c
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server.Handler(nil), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 3, 2, 14, 0, 0, 0, time.Local)
	f.record(t, base, types.OutcomeSuccess)
	f.record(t, base.Add(time.Minute), types.OutcomeFailure)

	rec := get(t, f.server.Handler(nil), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Scheduler.Running)
	assert.Equal(t, 21, st.Scheduler.Exposure)
	assert.Equal(t, journal.Counts{Total: 2, Success: 1, Failures: 1}, st.Journal)
	assert.Equal(t, f.frames.Dir(), st.FramesDir)
	assert.Equal(t, "test", st.Version)
}

func TestCycles(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 3, 2, 14, 0, 0, 0, time.Local)
	for i := range 3 {
		f.record(t, base.Add(time.Duration(i)*time.Minute), types.OutcomeSuccess)
	}
	h := f.server.Handler(nil)

	rec := get(t, h, "/cycles?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var cycles []*types.CycleLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cycles))
	require.Len(t, cycles, 2)
	assert.True(t, cycles[0].Timestamp.After(cycles[1].Timestamp), "newest first")

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/cycles?limit=zero").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/cycles?limit=0").Code)
}

func TestCycles_Empty(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server.Handler(nil), "/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCycleByID(t *testing.T) {
	f := newFixture(t)
	c := f.record(t, time.Now(), types.OutcomeSuccess)
	h := f.server.Handler(nil)

	rec := get(t, h, "/cycles/"+c.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var back types.CycleLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &back))
	assert.Equal(t, c.ID, back.ID)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/cycles/missing").Code)
}

func TestLatestCycle(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler(nil)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/cycles/latest").Code)

	base := time.Date(2024, 3, 2, 14, 0, 0, 0, time.Local)
	f.record(t, base, types.OutcomeSuccess)
	newest := f.record(t, base.Add(time.Minute), types.OutcomeFailure)

	rec := get(t, h, "/cycles/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var back types.CycleLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &back))
	assert.Equal(t, newest.ID, back.ID)
}

func TestLatestFrame(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler(nil)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/frames/latest").Code)

	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 200})
	id := framestore.ID(time.Date(2024, 3, 2, 14, 5, 9, 0, time.Local))
	_, err := f.frames.Save(img, id)
	require.NoError(t, err)

	rec := get(t, h, "/frames/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get("X-Frame-Id"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server.Handler(nil), "/logs?n=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []logging.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "cycle complete", entries[0].Message)
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	h := f.server.Handler(&Credentials{Username: "admin", PasswordHash: string(hash)})

	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code, "health is open")

	rec := get(t, h, "/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	try := func(user, pass string) int {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.SetBasicAuth(user, pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusUnauthorized, try("admin", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, try("root", "s3cret"))
	assert.Equal(t, http.StatusOK, try("admin", "s3cret"))
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	events := broadcaster.New()
	f.server.Events = events

	srv := httptest.NewServer(f.server.Handler(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?failures=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return events.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	events.Notify(&types.CycleLog{ID: "ok", Outcome: types.OutcomeSuccess})
	events.Notify(&types.CycleLog{ID: "bad", Outcome: types.OutcomeFailure})

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	var c types.CycleLog
	require.NoError(t, json.Unmarshal(sc.Bytes(), &c))
	assert.Equal(t, "bad", c.ID)

	events.Close()
	assert.False(t, sc.Scan(), "stream ends when the broadcaster closes")
}

func TestEvents_Disabled(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotImplemented, get(t, f.server.Handler(nil), "/events").Code)
}
