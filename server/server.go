// Package server exposes a running counter over gRPC on a unix socket
// and over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/frobware/go-pktcount"
)

// Counter is what the server serves; *control.Process satisfies it.
type Counter interface {
	Read() (uint64, error)
	Reset() error
	Status() pktcount.Status
}

// Server serves one counter.
type Server struct {
	counter   Counter
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	grpc      *grpc.Server
	health    *health.Server
	opCounter atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer exposes the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a server for counter. The gRPC server is created
// immediately so that tests can serve it on any listener.
func New(counter Counter, opts ...Option) *Server {
	s := &Server{
		counter: counter,
		logger:  slog.Default(),
		health:  health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor()))
	RegisterCounterServer(s.grpc, &counterService{counter: counter})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler { return s.newRouter(s.gatherer) }

// Serve serves gRPC on socketPath and, if httpAddr is not empty, HTTP
// on httpAddr, until ctx is done.
func (s *Server) Serve(ctx context.Context, socketPath, httpAddr string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.InfoContext(ctx, "gRPC server listening", "socket", socketPath)
		if err := s.grpc.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	var httpServer *http.Server
	if httpAddr != "" {
		httpListener, err := net.Listen("tcp", httpAddr)
		if err != nil {
			s.grpc.GracefulStop()
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.InfoContext(ctx, "HTTP server listening", "address", httpListener.Addr().String())
			if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errChan:
	}

	s.logger.Info("shutting down servers")
	s.health.Shutdown()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.grpc.GracefulStop()
	return serveErr
}

// loggingInterceptor assigns a monotonic operation ID to each request
// and logs errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.WarnContext(ctx, "grpc error", "op_id", opID, "method", info.FullMethod, "error", err)
		} else {
			s.logger.DebugContext(ctx, "grpc request", "op_id", opID, "method", info.FullMethod)
		}
		return resp, err
	}
}
