package dataapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Server owns the grpc.Server hosting the evaluation service, the standard
// health service and, when enabled, server reflection.
type Server struct {
	logger *slog.Logger
	cfg    *config.GRPCConfig
	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds the gRPC server and registers api on it.
func NewServer(log *slog.Logger, cfg *config.GRPCConfig, api *API) *Server {
	validation.AssertNotNil(cfg, "grpc config")
	validation.AssertNotNil(api, "dataapi")
	if log == nil {
		log = slog.Default()
	}

	opts := append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:             cfg.KeepaliveTime,
			Timeout:          cfg.KeepaliveTimeout,
			MaxConnectionAge: cfg.MaxConnectionAge,
		}),
	}, ServerOptions(log)...)

	srv := grpc.NewServer(opts...)
	api.Register(srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	if cfg.ReflectionEnabled {
		reflection.Register(srv)
	}

	return &Server{logger: log, cfg: cfg, grpc: srv, health: hs}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to bind grpc address %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, lis, shutdownTimeout)
}

// Serve serves on lis until ctx is done, then stops gracefully. Pending RPCs
// get shutdownTimeout to finish before the server is stopped hard.
func (s *Server) Serve(ctx context.Context, lis net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", slog.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("failed to serve grpc: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("grpc server stopped")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("grpc graceful stop timed out, forcing stop")
		s.grpc.Stop()
	}
	return nil
}
