package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/lapse/pkg/daemon/broadcaster"
	"github.com/jamesainslie/lapse/pkg/daemon/httpapi"
	"github.com/jamesainslie/lapse/pkg/lapse/config"
	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/framestore"
	"github.com/jamesainslie/lapse/pkg/lapse/journal"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/notify"
	"github.com/jamesainslie/lapse/pkg/lapse/scheduler"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// MaintenanceInterval is how often frame and journal retention run.
const MaintenanceInterval = time.Hour

const shutdownTimeout = 5 * time.Second

// APISocketPath derives the HTTP API socket from the health socket:
// lapse.sock becomes lapse-api.sock.
func APISocketPath(socket string) string {
	ext := filepath.Ext(socket)
	return strings.TrimSuffix(socket, ext) + "-api" + ext
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithOpener replaces the configured capture driver.
func WithOpener(o device.Opener) ServiceOption {
	return func(s *Service) { s.opener = o }
}

// WithServiceNotifier replaces the configured failure notifier.
func WithServiceNotifier(n notify.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithVersion sets the version reported by the status API.
func WithVersion(v string) ServiceOption {
	return func(s *Service) { s.version = v }
}

// Service is the capture daemon: the scheduler loop plus the health
// socket, the status API, config reload and retention.
type Service struct {
	mu  sync.Mutex
	cfg *config.Config

	version  string
	opener   device.Opener
	notifier notify.Notifier

	journal *journal.Journal
	frames  *framestore.Store
	sched   *scheduler.Scheduler
	health  *Server
	events  *broadcaster.Broadcaster
	api     *http.Server
	apiLn   net.Listener
	tcp     *http.Server
	tcpLn   net.Listener

	log *logging.Logger
}

// NewService opens the journal and frame store, binds the sockets and
// builds the scheduler. Close releases everything it acquired.
func NewService(cfg *config.Config, opts ...ServiceOption) (svc *Service, err error) {
	s := &Service{cfg: cfg, events: broadcaster.New(), log: logging.Get("daemon")}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.opener == nil {
		if s.opener, err = OpenDevice(cfg); err != nil {
			return nil, err
		}
	}
	if s.notifier == nil {
		s.notifier = Notifier(cfg)
	}

	if s.journal, err = journal.Open(cfg.Journal.Path); err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if applied, err := s.journal.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrating journal: %w", err)
	} else if applied > 0 {
		s.log.Info("journal migrated", "migrations", applied)
	}

	if s.frames, err = OpenFrames(cfg); err != nil {
		return nil, err
	}

	if s.health, err = NewServer(cfg.Daemon.SocketPath); err != nil {
		return nil, fmt.Errorf("binding health socket: %w", err)
	}

	s.sched = scheduler.New(s.opener, s.frames, SchedulerSettings(cfg),
		scheduler.WithJournal(s.journal),
		scheduler.WithNotifier(s.notifier),
		scheduler.WithCycleHook(s.onCycle),
	)

	handler := &httpapi.Server{
		Cycles:    s.journal,
		Frames:    s.frames,
		FramesDir: s.frames.Dir(),
		Status:    s.sched.Status,
		Logs:      logging.Recent,
		Version:   s.version,
		Events:    s.events,
	}

	apiPath := APISocketPath(cfg.Daemon.SocketPath)
	_ = os.Remove(apiPath)
	var lc net.ListenConfig
	if s.apiLn, err = lc.Listen(context.Background(), "unix", apiPath); err != nil {
		return nil, fmt.Errorf("binding api socket: %w", err)
	}
	s.api = &http.Server{Handler: handler.Handler(nil), ReadHeaderTimeout: 10 * time.Second}

	if cfg.HTTP.Listen != "" {
		var creds *httpapi.Credentials
		if cfg.HTTP.Username != "" {
			creds = &httpapi.Credentials{Username: cfg.HTTP.Username, PasswordHash: cfg.HTTP.PasswordHash}
		}
		if s.tcpLn, err = lc.Listen(context.Background(), "tcp", cfg.HTTP.Listen); err != nil {
			return nil, fmt.Errorf("binding %s: %w", cfg.HTTP.Listen, err)
		}
		s.tcp = &http.Server{Handler: handler.Handler(creds), ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// Scheduler returns the capture loop.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// Journal returns the cycle journal.
func (s *Service) Journal() *journal.Journal { return s.journal }

// APIAddr returns the TCP address of the status API, or "" when disabled.
func (s *Service) APIAddr() string {
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

func (s *Service) onCycle(c *types.CycleLog) {
	s.health.SetServing(c.Succeeded())
	s.events.Notify(c)
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.health.Serve(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return serveHTTP(s.api, s.apiLn) })
	if s.tcp != nil {
		s.log.Info("status api listening", "addr", s.tcpLn.Addr().String())
		g.Go(func() error { return serveHTTP(s.tcp, s.tcpLn) })
	}

	g.Go(func() error {
		err := s.sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.maintain(ctx)
		return nil
	})

	if s.cfg.File != "" {
		if err := config.Watch(ctx, s.cfg.File, s.reload); err != nil {
			s.log.Warn("config hot reload disabled", "error", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		s.shutdownServers()
		return nil
	})

	s.log.Info("daemon running", "socket", s.cfg.Daemon.SocketPath, "driver", s.cfg.Device.Driver)
	return g.Wait()
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Service) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Ends /events streams so Shutdown does not wait on them.
	s.events.Close()
	_ = s.api.Shutdown(ctx)
	if s.tcp != nil {
		_ = s.tcp.Shutdown(ctx)
	}
	if err := s.health.Close(); err != nil {
		s.log.Debug("closing health server", "error", err)
	}
}

// reload applies a changed config file. Only scheduler settings take
// effect without a restart.
func (s *Service) reload(cfg *config.Config, err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.sched.Update(SchedulerSettings(cfg))
	s.log.Info("scheduler settings updated", "period", cfg.Schedule.Period)
}

func (s *Service) maintain(ctx context.Context) {
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()

	s.Maintain(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Maintain(ctx, now)
		}
	}
}

// Maintain applies frame and journal retention as of now.
func (s *Service) Maintain(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	maxAge := retention(cfg.Frames.RetentionDays)
	if maxAge > 0 || cfg.Frames.MaxFrames > 0 {
		if _, err := s.frames.Prune(ctx, now, maxAge, cfg.Frames.MaxFrames); err != nil {
			s.log.Warn("pruning frames", "error", err)
		}
	}

	if keep := retention(cfg.Journal.RetentionDays); keep > 0 {
		n, err := s.journal.Prune(now.Add(-keep))
		if err != nil {
			s.log.Warn("pruning journal", "error", err)
		}
		if n > 0 {
			s.log.Info("pruned journal", "removed", n)
		}
	}
}

// Close releases the journal and sockets. Safe after a partial NewService.
func (s *Service) Close() error {
	s.events.Close()
	var errs []error
	if s.apiLn != nil {
		_ = s.apiLn.Close()
		_ = os.Remove(APISocketPath(s.cfg.Daemon.SocketPath))
	}
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.health != nil {
		errs = append(errs, s.health.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	return errors.Join(errs...)
}
