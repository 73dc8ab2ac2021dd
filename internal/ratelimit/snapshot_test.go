package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/email-server/internal/config"
)

// Snapshot save -> load within state_max_age restores delay_ms, streaks,
// counters, and any still-future circuit_open_until/no_send_until, while
// resetting next_send_time to 0.
func TestSnapshotRoundTrip(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "ratelimit-state.json")

	e, clock := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = stateFile
		c.StateMaxAge = 86400000
		c.CBThreshold = 1
		c.CBDuration = 60000
		c.InitialDelay = 5000
	})

	e.OnDeferred("m", "outlook.com", "", "421 rate limited")
	before, _ := e.GetDomainStats("outlook.com")

	if err := e.SaveState(); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	e2, clock2 := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = stateFile
		c.StateMaxAge = 86400000
	})
	clock2.t = clock.t // same wall-clock instant as the save

	e2.LoadState()

	after, ok := e2.GetDomainStats("outlook.com")
	if !ok {
		t.Fatal("expected outlook.com to be restored from snapshot")
	}
	if after.DelayMS != before.DelayMS {
		t.Errorf("delay_ms after restore = %d, want %d", after.DelayMS, before.DelayMS)
	}
	if after.ConsecutiveRateLimitFailures != before.ConsecutiveRateLimitFailures {
		t.Errorf("consecutive_rate_limit_failures mismatch after restore")
	}
	if after.CircuitOpenUntil != before.CircuitOpenUntil {
		t.Errorf("circuit_open_until after restore = %d, want %d", after.CircuitOpenUntil, before.CircuitOpenUntil)
	}
}

// A snapshot older than state_max_age is ignored entirely; state starts
// empty.
func TestSnapshotTooOldIsIgnored(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "ratelimit-state.json")

	e, clock := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = stateFile
		c.StateMaxAge = 1000 // 1 second
		c.CBThreshold = 1
		c.CBDuration = 60000
	})

	e.OnDeferred("m", "outlook.com", "", "421 rate limited")
	if err := e.SaveState(); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	e2, clock2 := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = stateFile
		c.StateMaxAge = 1000
	})
	clock2.t = clock.t.Add(10 * time.Second) // well past max age

	e2.LoadState()

	if _, ok := e2.GetDomainStats("outlook.com"); ok {
		t.Fatal("expected stale snapshot to be ignored, but state was restored")
	}
}

// A missing snapshot file is a silent no-op, not an error.
func TestSnapshotMissingFileIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = filepath.Join(t.TempDir(), "does-not-exist.json")
	})

	e.LoadState() // must not panic

	if _, ok := e.GetDomainStats("outlook.com"); ok {
		t.Fatal("expected no state when snapshot file is missing")
	}
}

// An empty state file path disables the snapshot store entirely.
func TestSnapshotDisabledIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.RateLimitConfig) {
		c.StateFile = ""
	})

	if err := e.SaveState(); err != nil {
		t.Fatalf("SaveState with no state file should be a no-op, got %v", err)
	}
}
