package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenilsonani/email-server/internal/config"
	"github.com/fenilsonani/email-server/internal/logging"
)

// Engine is the top-level adaptive pacing engine: one instance owns the
// provider state registry, the MX normalizer, the metrics registry, and
// the snapshot store for the lifetime of the host process. Construct one
// instance at host bootstrap and pass it to the delivery adapter's
// callbacks, rather than relying on package-level globals.
type Engine struct {
	normalizer *Normalizer
	resolver   *ConfigResolver
	registry   *Registry
	scratch    *scratchTable
	metrics    *ratelimitMetrics
	logger     *logging.Logger

	promRegisterer prometheus.Registerer
	httpServer     *http.Server
	metricsOnce    sync.Once
	metricsEnabled bool
	metricsPort    int
	metricsListen  string

	stateFile           string
	stateSaveIntervalMS int64
	stateMaxAgeMS       int64

	stopCh chan struct{}
	wg     sync.WaitGroup

	// nowFn allows deterministic testing; defaults to the wall clock.
	nowFn func() time.Time
}

// New constructs an Engine from a loaded rate-limit configuration. The
// scheduler and outcome callbacks work at once; Start restores any
// persisted snapshot and begins the periodic snapshot save.
func New(cfg config.RateLimitConfig, logger *logging.Logger) *Engine {
	reg := prometheus.NewRegistry()

	resolver := NewConfigResolver(cfg)

	e := &Engine{
		normalizer:          NewNormalizer(),
		resolver:            resolver,
		scratch:             newScratchTable(),
		logger:              logger.RateLimit(),
		promRegisterer:      reg,
		metricsEnabled:      cfg.Enabled,
		metricsPort:         cfg.MetricsPort,
		metricsListen:       cfg.MetricsListen,
		stateFile:           cfg.StateFile,
		stateSaveIntervalMS: cfg.StateSaveInterval,
		stateMaxAgeMS:       cfg.StateMaxAge,
		stopCh:              make(chan struct{}),
		nowFn:               time.Now,
	}
	e.registry = NewRegistry(resolver)
	e.metrics = newRatelimitMetrics(reg)

	return e
}

// now returns the current time in Unix milliseconds, through the
// injectable clock so tests can control pacing decisions deterministically.
func (e *Engine) now() int64 {
	return nowMS(e.nowFn())
}

// SetClock overrides the engine's clock; intended for tests only.
func (e *Engine) SetClock(fn func() time.Time) {
	e.nowFn = fn
}

// Start restores any persisted snapshot and begins the periodic snapshot
// save loop. The metrics HTTP server is started lazily on first use, not
// here, so it binds in the goroutine that actually handles traffic.
func (e *Engine) Start() {
	e.LoadState()
	e.startSnapshotLoop()
}

// Stop halts the periodic snapshot loop, performs one final save, and
// shuts down the metrics HTTP server if it was started.
func (e *Engine) Stop(ctx context.Context) {
	close(e.stopCh)
	e.wg.Wait()

	if err := e.SaveState(); err != nil {
		e.logger.WithError(err).Warn("ratelimit: final snapshot save failed")
	}

	e.stopMetricsServer(ctx)
}
