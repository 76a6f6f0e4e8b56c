package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the capture loop.
const ServiceName = "lapse.Capture"

// Server exposes the standard gRPC health service on a Unix socket. The
// capture loop reports SERVING after a successful cycle and NOT_SERVING
// after a failed one.
type Server struct {
	socketPath string
	grpc       *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer listens on socketPath, replacing a stale socket.
func NewServer(socketPath string) (*Server, error) {
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", socketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		socketPath: socketPath,
		grpc:       grpc.NewServer(),
		health:     health.NewServer(),
		listener:   listener,
	}
	healthpb.RegisterHealthServer(srv.grpc, srv.health)

	// Until the first cycle completes the daemon is up but unproven.
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	return srv, nil
}

// SetServing records the outcome of the latest cycle.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Serve starts the gRPC server. Blocks until stopped; stopping is not an
// error.
func (s *Server) Serve() error {
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Close stops the server and removes the socket.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return os.RemoveAll(s.socketPath)
}
