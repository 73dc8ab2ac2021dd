// Package admin exposes a minimal operational HTTP surface for the mail
// server host: health checks, readiness, and a JSON snapshot of queue and
// pacing state. The full account/domain/sieve dashboard this package once
// served is out of scope for the adaptive pacing subsystem; what remains is
// the generic server skeleton (mux, middleware chain, graceful shutdown)
// the teacher built it on.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fenilsonani/email-server/internal/config"
	"github.com/fenilsonani/email-server/internal/logging"
	"github.com/fenilsonani/email-server/internal/metrics"
	"github.com/fenilsonani/email-server/internal/queue"
	"github.com/fenilsonani/email-server/internal/ratelimit"
)

// StatsProvider supplies pacing-engine statistics for the /admin/api/stats
// endpoint. internal/ratelimit.Engine satisfies this structurally.
type StatsProvider interface {
	GetStats() ratelimit.Stats
}

// Server hosts the operational HTTP surface: health/readiness checks and a
// JSON stats endpoint, wrapped in the teacher's middleware chain.
type Server struct {
	config       *config.Config
	queue        *queue.RedisQueue
	ratelimit    StatsProvider
	logger       *logging.Logger
	httpServer   *http.Server
	shutdownOnce sync.Once
	startTime    time.Time
}

// NewServer creates a new admin server. ratelimit may be nil if the pacing
// engine is disabled, in which case /admin/api/stats omits pacing data.
func NewServer(cfg *config.Config, q *queue.RedisQueue, ratelimit StatsProvider, logger *logging.Logger) *Server {
	return &Server{
		config:    cfg,
		queue:     q,
		ratelimit: ratelimit,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start starts the admin server, blocking until a shutdown signal arrives
// or the server stops unexpectedly.
func (s *Server) Start(listen string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /admin/api/stats", s.handleAPIStats)

	handler := s.withPanicRecovery(mux)
	handler = s.withSecurityHeaders(handler)
	handler = s.withRequestLogging(handler)

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting admin server", "listen", listen)

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down admin server")
		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				s.logger.Error("Error shutting down HTTP server", "error", shutdownErr.Error())
				err = shutdownErr
			}
		}
		s.logger.Info("Admin server shutdown complete")
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.queue != nil {
		if _, err := s.queue.Stats(r.Context()); err != nil {
			metrics.RecordError("admin", "queue_stats")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("queue unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleAPIStats returns queue and pacing-engine statistics as JSON,
// following the teacher's map[string]interface{} dashboard convention.
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}

	if s.queue != nil {
		if qs, err := s.queue.Stats(r.Context()); err == nil {
			stats["queue"] = qs
			metrics.QueueDepth.Set(float64(qs.Pending))
		} else {
			metrics.RecordError("admin", "queue_stats")
		}
	}

	if s.ratelimit != nil {
		stats["ratelimit"] = s.ratelimit.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
