package ratelimit

import (
	"testing"
	"time"

	"github.com/fenilsonani/email-server/internal/config"
	"github.com/fenilsonani/email-server/internal/logging"
)

// testClock is a manually advanced clock for deterministic scheduler tests.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// durationMS converts a millisecond count (as used throughout the pacing
// engine) into a time.Duration for advancing a testClock.
func durationMS(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func newTestEngine(t *testing.T, mutate func(*config.RateLimitConfig)) (*Engine, *testClock) {
	t.Helper()

	cfg := config.DefaultRateLimitConfig()
	cfg.Enabled = true
	cfg.MetricsPort = 0
	cfg.StateFile = ""
	cfg.EnabledProviders = map[string]interface{}{"*": true}
	if mutate != nil {
		mutate(&cfg)
	}

	e := New(cfg, logging.Default())
	clock := &testClock{t: time.Unix(1700000000, 0)}
	e.SetClock(clock.now)

	return e, clock
}
