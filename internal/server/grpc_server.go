package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/external"
)

// GRPCServer wraps grpc.Server with the health service and the address it
// listens on.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	addr   string
	log    *slog.Logger
}

// NewGRPCServer builds a gRPC server with the interceptor chain and registers
// all provided services.
func NewGRPCServer(cfg *config.Config, log *slog.Logger, identity external.Identity, registrars ...Registrar) *GRPCServer {
	interceptors := []grpc.UnaryServerInterceptor{ObservabilityInterceptor(log)}
	if identity != nil {
		interceptors = append(interceptors, AuthInterceptor(identity))
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))

	// register all services
	for _, r := range registrars {
		r.Register(grpcServer)
	}

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	// enable reflection for easier debugging with grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{
		srv:    grpcServer,
		health: hs,
		addr:   fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port),
		log:    log,
	}
}

// Server exposes the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.srv }

// Serve listens on the configured address and blocks until Stop.
func (s *GRPCServer) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener and marks every service
// healthy.
func (s *GRPCServer) ServeListener(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for name := range s.srv.GetServiceInfo() {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	s.log.Info("grpc server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// Stop drains in-flight calls, forcing the stop when ctx ends first.
func (s *GRPCServer) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}
