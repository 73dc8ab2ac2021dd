package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ratelimitMetrics holds the Prometheus collectors for the adaptive pacing
// engine, labeled by provider key, following the promauto convention used
// throughout internal/metrics.
type ratelimitMetrics struct {
	delayMS                  *prometheus.GaugeVec
	consecutiveFailures      *prometheus.GaugeVec
	consecutiveRLFailures    *prometheus.GaugeVec
	circuitOpen              *prometheus.GaugeVec
	circuitOpenUntil         *prometheus.GaugeVec
	deliveriesTotal          *prometheus.CounterVec
	deferralsTotal           *prometheus.CounterVec
	bouncesTotal             *prometheus.CounterVec
	delaysAppliedTotal       *prometheus.CounterVec
	baselineThrottledTotal   *prometheus.CounterVec
	rateLimitedTotal         *prometheus.CounterVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

func newRatelimitMetrics(reg prometheus.Registerer) *ratelimitMetrics {
	factory := promauto.With(reg)

	return &ratelimitMetrics{
		delayMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailserver_ratelimit_delay_ms",
			Help: "Current pacing interval in milliseconds by provider",
		}, []string{"provider"}),
		consecutiveFailures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailserver_ratelimit_consecutive_failures",
			Help: "Consecutive deferrals by provider",
		}, []string{"provider"}),
		consecutiveRLFailures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailserver_ratelimit_consecutive_rate_limit_failures",
			Help: "Consecutive rate-limit-classified deferrals by provider",
		}, []string{"provider"}),
		circuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailserver_ratelimit_circuit_breaker_open",
			Help: "1 if the circuit breaker is open for the provider, else 0",
		}, []string{"provider"}),
		circuitOpenUntil: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailserver_ratelimit_circuit_breaker_open_until",
			Help: "Unix seconds the circuit breaker reopens, 0 if closed",
		}, []string{"provider"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_deliveries_total",
			Help: "Total successful deliveries by provider",
		}, []string{"provider"}),
		deferralsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_deferrals_total",
			Help: "Total deferrals by provider",
		}, []string{"provider"}),
		bouncesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_bounces_total",
			Help: "Total permanent bounces by provider",
		}, []string{"provider"}),
		delaysAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_delays_applied_total",
			Help: "Total messages delayed by the scheduler, by provider",
		}, []string{"provider"}),
		baselineThrottledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_baseline_throttled_total",
			Help: "Total messages throttled at baseline (no active rate limit) by provider",
		}, []string{"provider"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_rate_limited_total",
			Help: "Total rate-limit-classified deferrals by provider",
		}, []string{"provider"}),
		circuitBreakerTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_ratelimit_circuit_breaker_trips_total",
			Help: "Total circuit breaker trips by provider",
		}, []string{"provider"}),
	}
}

func (m *ratelimitMetrics) deliveries(pk string)        { m.deliveriesTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) deferrals(pk string)         { m.deferralsTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) bounces(pk string)           { m.bouncesTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) delayApplied(pk string)      { m.delaysAppliedTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) baselineThrottled(pk string) { m.baselineThrottledTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) rateLimited(pk string)       { m.rateLimitedTotal.WithLabelValues(pk).Inc() }
func (m *ratelimitMetrics) circuitTrip(pk string)       { m.circuitBreakerTripsTotal.WithLabelValues(pk).Inc() }

// syncGauges refreshes the gauge-style metrics from current provider
// state. Called on each /metrics scrape rather than on every state
// mutation, since gauges (unlike counters) only need to be accurate at
// read time.
func (e *Engine) syncGauges() {
	now := e.now()
	e.registry.Range(func(pk string, st *ProviderState) {
		st.mu.Lock()
		delay := st.DelayMS
		failures := st.ConsecutiveFailures
		rlFailures := st.ConsecutiveRateLimitFailures
		openUntil := st.CircuitOpenUntil
		st.mu.Unlock()

		open := 0.0
		openUntilSeconds := 0.0
		if openUntil > now {
			open = 1.0
			openUntilSeconds = float64(openUntil) / 1000.0
		}

		e.metrics.delayMS.WithLabelValues(pk).Set(float64(delay))
		e.metrics.consecutiveFailures.WithLabelValues(pk).Set(float64(failures))
		e.metrics.consecutiveRLFailures.WithLabelValues(pk).Set(float64(rlFailures))
		e.metrics.circuitOpen.WithLabelValues(pk).Set(open)
		e.metrics.circuitOpenUntil.WithLabelValues(pk).Set(openUntilSeconds)
	})
}

// ensureMetricsServer starts the metrics HTTP server exactly once, lazily
// on the first outbound scheduler entry so it binds in the process that
// actually owns the counters. A bind-in-use
// or other listen error is logged and the server is disabled, never fatal.
func (e *Engine) ensureMetricsServer() {
	if !e.metricsEnabled {
		return
	}
	e.metricsOnce.Do(func() {
		mux := http.NewServeMux()
		reg, ok := e.promRegisterer.(*prometheus.Registry)
		var handler http.Handler
		if ok {
			handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		} else {
			handler = promhttp.Handler()
		}

		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			e.syncGauges()
			handler.ServeHTTP(w, r)
		})
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(e.GetStats())
		})

		addr := fmt.Sprintf("%s:%d", e.metricsListen, e.metricsPort)
		e.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.WithError(err).Warn("ratelimit: metrics server failed to bind, disabling", "addr", addr)
			}
		}()

		e.logger.Info("ratelimit: metrics server listening", "addr", addr)
	})
}

// stopMetricsServer shuts down the metrics HTTP server if it was started.
func (e *Engine) stopMetricsServer(ctx context.Context) {
	if e.httpServer == nil {
		return
	}
	_ = e.httpServer.Shutdown(ctx)
}
