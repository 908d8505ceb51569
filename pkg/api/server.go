// Package api provides the collector's HTTP server: the resumable
// upload protocol plus health probes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/config"
)

// Server wraps the HTTP listener with lifecycle management.
type Server struct {
	server *http.Server
	cfg    config.ServerConfig
}

// NewServer creates the API server in a stopped state. Call Start to
// begin serving.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		cfg: cfg,
	}
}

// Start serves until the context is cancelled or the listener fails.
// Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr, "endpoint", s.cfg.Endpoint)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// The cancelled ctx would abort shutdown immediately; give
		// in-flight chunks a fresh deadline instead.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop gracefully shuts the server down, waiting for in-flight
// requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
