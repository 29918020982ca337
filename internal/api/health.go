// Package api exposes the engine's operational gRPC surface: a standard
// health service that load balancers and orchestrators can probe.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts the gRPC ops endpoints.
type Server struct {
	addr   string
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a Server listening on host:port.
func NewServer(host string, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		addr:   fmt.Sprintf("%s:%d", host, port),
		log:    log.With("component", "api"),
		grpc:   gs,
		health: hs,
	}
}

// SetServing flips the reported health status for the whole process.
func (s *Server) SetServing(serving bool) {
	s.health.SetServingStatus("", toStatus(serving))
}

// SetServiceServing reports health for a named unit, such as one strategy
// loop, under its own service name.
func (s *Server) SetServiceServing(name string, serving bool) {
	s.health.SetServingStatus(name, toStatus(serving))
}

func toStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ListenAndServe starts the gRPC listener and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.log.Info("grpc server listening", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
