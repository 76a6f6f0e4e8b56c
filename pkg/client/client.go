// Package client talks to a running lapsed daemon: gRPC health over the
// daemon socket and the JSON status API over its companion socket. It also
// starts and stops the daemon process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/lapse/pkg/daemon"
	"github.com/jamesainslie/lapse/pkg/daemon/httpapi"
	"github.com/jamesainslie/lapse/pkg/lapse/config"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// BinaryName is the daemon executable.
const BinaryName = "lapsed"

// ErrNotFound is returned when the daemon has no such cycle or frame.
var ErrNotFound = errors.New("not found")

// Client connects to the lapsed daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	http   *http.Client
}

// Connect dials the daemon listening on socketPath.
func Connect(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	api := daemon.APISocketPath(socketPath)
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", api)
				},
			},
		},
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Health returns the capture loop's health: SERVING after a successful
// cycle, NOT_SERVING after a failed one, UNKNOWN before the first.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// Status returns the scheduler, journal and frame store summary.
func (c *Client) Status(ctx context.Context) (*httpapi.Status, error) {
	var st httpapi.Status
	if err := c.getJSON(ctx, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cycles returns up to limit recorded cycles, newest first.
func (c *Client) Cycles(ctx context.Context, limit int) ([]*types.CycleLog, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var cycles []*types.CycleLog
	if err := c.getJSON(ctx, "/cycles", q, &cycles); err != nil {
		return nil, err
	}
	return cycles, nil
}

// Cycle returns a cycle by ID.
func (c *Client) Cycle(ctx context.Context, id string) (*types.CycleLog, error) {
	var cycle types.CycleLog
	if err := c.getJSON(ctx, "/cycles/"+url.PathEscape(id), nil, &cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// LatestCycle returns the most recent cycle.
func (c *Client) LatestCycle(ctx context.Context) (*types.CycleLog, error) {
	return c.Cycle(ctx, "latest")
}

// Logs returns up to n recent daemon log records, oldest first.
func (c *Client) Logs(ctx context.Context, n int) ([]logging.Entry, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	var entries []logging.Entry
	if err := c.getJSON(ctx, "/logs", q, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestFrame copies the newest frame to w and returns its ID.
func (c *Client) LatestFrame(ctx context.Context, w io.Writer) (string, error) {
	resp, err := c.get(ctx, "/frames/latest", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("reading frame: %w", err)
	}
	return resp.Header.Get("X-Frame-Id"), nil
}

// Follow calls fn with every cycle the daemon completes from now on. It
// returns when ctx is done, the daemon stops, or fn returns an error.
func (c *Client) Follow(ctx context.Context, failuresOnly bool, fn func(*types.CycleLog) error) error {
	q := url.Values{}
	if failuresOnly {
		q.Set("failures", "true")
	}
	resp, err := c.get(ctx, "/events", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var cycle types.CycleLog
		if err := dec.Decode(&cycle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}
		if err := fn(&cycle); err != nil {
			return err
		}
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := url.URL{Scheme: "http", Host: "lapsed", Path: path, RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, body.Error)
	}
	return nil, fmt.Errorf("GET %s: %s: %s", path, resp.Status, body.Error)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // lapsed binary, auto-discovered if empty
	Config string // config file passed to the daemon
	Socket string
	PID    string
	Status string
}

// PathsFromConfig returns the daemon paths of cfg.
func PathsFromConfig(cfg *config.Config) DaemonPaths {
	return DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Config: cfg.File,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
		Status: cfg.Daemon.StatusPath,
	}
}

func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = config.DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = config.DefaultPIDPath()
	}
	if p.Status == "" {
		p.Status = config.DefaultStatusPath()
	}
	return p
}

// IsDaemonRunning reports whether the daemon's PID file names a live process.
func IsDaemonRunning(paths DaemonPaths) bool {
	return daemon.IsDaemonRunning(paths.withDefaults().PID)
}

// StartDaemon starts lapsed in the background and waits until it reports
// ready. Idempotent: returns nil if the daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if daemon.IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", BinaryName, err)
	}

	_ = os.Remove(paths.Status)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}
	// Not CommandContext: the daemon must outlive the caller.
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is resolved above
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	return waitReady(paths, 50, 100*time.Millisecond)
}

// waitReady polls the status file until the daemon reports ready or an
// error.
func waitReady(paths DaemonPaths, attempts int, interval time.Duration) error {
	for range attempts {
		time.Sleep(interval)

		if status, err := daemon.ReadStatus(paths.Status); err == nil {
			switch status.Status {
			case daemon.StatusReady:
				return nil
			case daemon.StatusError:
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}
	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon asks the daemon to exit and waits for it.
// Idempotent: returns nil if the daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	err := daemon.Stop(paths.PID, 10*time.Second)
	if errors.Is(err, daemon.ErrNotRunning) {
		return nil
	}
	return err
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds the lapsed binary.
// Priority: configured path > same directory as executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), BinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	for _, dir := range goBinDirs() {
		candidate := filepath.Join(dir, BinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}
	return "", errors.New(BinaryName + " not found")
}

func goBinDirs() []string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		dirs = append(dirs, filepath.Join(gopath, "bin"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}
	return dirs
}
