// Package httpapi serves the daemon's read-only status API: scheduler
// status, the cycle journal, the latest frame and recent log records.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/jamesainslie/lapse/pkg/daemon/broadcaster"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/scheduler"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	defaultLogs  = 100
)

// Cycles is the journal surface the API reads.
type Cycles interface {
	List(limit int) ([]*types.CycleLog, error)
	Get(id string) (*types.CycleLog, error)
	Latest() (*types.CycleLog, error)
	Count() (journal.Counts, error)
}

// Frames is the frame store surface the API reads.
type Frames interface {
	Latest(ctx context.Context) (framestore.Frame, error)
	Stats(ctx context.Context) (framestore.Stats, error)
}

// Status is the body of GET /status.
type Status struct {
	Scheduler scheduler.Status `json:"scheduler"`
	Journal   journal.Counts   `json:"journal"`
	Frames    framestore.Stats `json:"frames"`
	FramesDir string           `json:"frames_dir,omitempty"`
	Version   string           `json:"version,omitempty"`
}

// Credentials enables HTTP basic auth. PasswordHash is a bcrypt hash.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Server holds the API's data sources.
type Server struct {
	Cycles    Cycles
	Frames    Frames
	FramesDir string
	Status    func() scheduler.Status
	Logs      func(n int) []logging.Entry
	Version   string

	// Events feeds /events. Nil disables the stream.
	Events *broadcaster.Broadcaster
}

// Handler returns the routed API. A non-nil creds requires basic auth on
// every route except /health.
func (s *Server) Handler(creds *Credentials) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK\n"))
	}).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	if creds != nil {
		api.Use(basicAuth(*creds))
	}
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/cycles", s.handleCycles).Methods(http.MethodGet)
	api.HandleFunc("/cycles/latest", s.handleLatestCycle).Methods(http.MethodGet)
	api.HandleFunc("/cycles/{id}", s.handleCycle).Methods(http.MethodGet)
	api.HandleFunc("/frames/latest", s.handleLatestFrame).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := Status{FramesDir: s.FramesDir, Version: s.Version}
	if s.Status != nil {
		out.Scheduler = s.Status()
	}
	counts, err := s.Cycles.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out.Journal = counts

	if s.Frames != nil {
		stats, err := s.Frames.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out.Frames = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cycles, err := s.Cycles.List(min(limit, maxLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cycles == nil {
		cycles = []*types.CycleLog{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, _ *http.Request) {
	c, err := s.Cycles.Latest()
	s.writeCycle(w, c, err)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.Cycles.Get(mux.Vars(r)["id"])
	s.writeCycle(w, c, err)
}

func (s *Server) writeCycle(w http.ResponseWriter, c *types.CycleLog, err error) {
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	if s.Frames == nil {
		writeError(w, http.StatusNotFound, framestore.ErrNoFrames)
		return
	}
	frame, err := s.Frames.Latest(r.Context())
	switch {
	case errors.Is(err, framestore.ErrNoFrames):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("X-Frame-Id", frame.ID)
	http.ServeFile(w, r, frame.Path)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultLogs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var entries []logging.Entry
	if s.Logs != nil {
		entries = s.Logs(n)
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEvents streams cycles as newline-delimited JSON until the client
// goes away or the broadcaster closes. ?failures=true skips successes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.Events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event stream unavailable"))
		return
	}
	failuresOnly, _ := strconv.ParseBool(r.URL.Query().Get("failures"))
	sub := s.Events.Subscribe(failuresOnly)
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("shutting down"))
		return
	}
	defer s.Events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-sub.Cycles:
			if !ok {
				return
			}
			if err := enc.Encode(c); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

func basicAuth(creds Credentials) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="lapse"`)
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get("http").Debug("writing response", "error", err)
	}
}
