package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/lapse/pkg/daemon"
)

// shortDir keeps socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lapse")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func healthStatus(t *testing.T, socket, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	return resp.GetStatus()
}

func TestServer_Health(t *testing.T) {
	socket := filepath.Join(shortDir(t), "lapse.sock")

	srv, err := daemon.NewServer(socket)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	if got := healthStatus(t, socket, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon status = %v, want SERVING", got)
	}
	if got := healthStatus(t, socket, daemon.ServiceName); got != healthpb.HealthCheckResponse_UNKNOWN {
		t.Errorf("capture status before first cycle = %v, want UNKNOWN", got)
	}

	srv.SetServing(false)
	if got := healthStatus(t, socket, daemon.ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("capture status after failure = %v, want NOT_SERVING", got)
	}
	srv.SetServing(true)
	if got := healthStatus(t, socket, daemon.ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("capture status after success = %v, want SERVING", got)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after Close", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("socket should be removed on Close")
	}
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(shortDir(t), "lapse.sock")
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	srv, err := daemon.NewServer(socket)
	if err != nil {
		t.Fatalf("NewServer should replace a stale socket: %v", err)
	}
	_ = srv.Close()
}
