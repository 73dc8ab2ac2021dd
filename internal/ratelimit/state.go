package ratelimit

import (
	"sync"
	"time"
)

// ProviderState holds the pacing, backoff, and circuit-breaker state for
// one provider key. All fields are guarded by mu; callers must never read
// or write them without holding the lock.
type ProviderState struct {
	mu sync.Mutex

	DelayMS                      int64
	ConsecutiveSuccesses         int64
	ConsecutiveFailures          int64
	ConsecutiveRateLimitFailures int64
	TotalDelivered               int64
	TotalDeferred                int64
	TotalBounced                 int64
	TotalRateLimited             int64
	TotalCircuitTrips            int64
	NextSendTime                 int64
	PaceDelay                    int64
	CircuitOpenUntil             int64
	NoSendUntil                  int64
	LastUpdate                   int64
	LastError                    string
}

// newProviderState creates a fresh ProviderState seeded from cfg's initial
// delay, as required when a PK is first referenced or recreated by an
// administrative reset.
func newProviderState(cfg EffectiveConfig, now int64) *ProviderState {
	return &ProviderState{
		DelayMS:    cfg.InitialDelay,
		LastUpdate: now,
	}
}

// Registry holds one ProviderState per provider key, created lazily and
// guarded individually, mirroring the registry pattern used by the
// host's resilience.BreakerRegistry: a sync.Map for lock-free reads
// of existing entries, with a short-lived create-lock only on first touch.
type Registry struct {
	states   sync.Map // string -> *ProviderState
	createMu sync.Mutex
	resolver *ConfigResolver
}

// NewRegistry creates an empty provider state registry resolving effective
// config through resolver.
func NewRegistry(resolver *ConfigResolver) *Registry {
	return &Registry{resolver: resolver}
}

// Get returns the ProviderState for pk, creating it (seeded from pk's
// effective initial_delay) if it does not yet exist.
func (r *Registry) Get(pk string, now int64) *ProviderState {
	if v, ok := r.states.Load(pk); ok {
		return v.(*ProviderState)
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if v, ok := r.states.Load(pk); ok {
		return v.(*ProviderState)
	}

	cfg := r.resolver.Effective(pk)
	st := newProviderState(cfg, now)
	r.states.Store(pk, st)
	return st
}

// Delete removes pk's state entirely, so the next reference recreates it
// from defaults (used by reset_domain).
func (r *Registry) Delete(pk string) {
	r.states.Delete(pk)
}

// Reset clears every provider's state (used by reset_all).
func (r *Registry) Reset() {
	r.states.Range(func(key, _ interface{}) bool {
		r.states.Delete(key)
		return true
	})
}

// Range iterates all known provider keys and their state. The callback
// must not itself call registry methods that mutate the map.
func (r *Registry) Range(fn func(pk string, st *ProviderState)) {
	r.states.Range(func(key, value interface{}) bool {
		fn(key.(string), value.(*ProviderState))
		return true
	})
}

// CleanupStale removes any provider state not updated within maxAge of
// now, returning the count removed.
func (r *Registry) CleanupStale(now, maxAgeMS int64) int {
	removed := 0
	r.states.Range(func(key, value interface{}) bool {
		st := value.(*ProviderState)
		st.mu.Lock()
		stale := now-st.LastUpdate > maxAgeMS
		st.mu.Unlock()
		if stale {
			r.states.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// nowMS returns the current wall-clock time in Unix milliseconds.
func nowMS(t time.Time) int64 {
	return t.UnixMilli()
}
