package ratelimit

import "sort"

// DomainStats is a point-in-time snapshot of one provider's state, used by
// both the admin API and the /stats JSON endpoint.
type DomainStats struct {
	Provider                     string `json:"provider"`
	DelayMS                      int64  `json:"delayMs"`
	ConsecutiveSuccesses         int64  `json:"consecutiveSuccesses"`
	ConsecutiveFailures          int64  `json:"consecutiveFailures"`
	ConsecutiveRateLimitFailures int64  `json:"consecutiveRateLimitFailures"`
	TotalDelivered               int64  `json:"totalDelivered"`
	TotalDeferred                int64  `json:"totalDeferred"`
	TotalBounced                 int64  `json:"totalBounced"`
	TotalRateLimited             int64  `json:"totalRateLimited"`
	TotalCircuitTrips            int64  `json:"totalCircuitTrips"`
	CircuitOpen                  bool   `json:"circuitOpen"`
	CircuitOpenUntil             int64  `json:"circuitOpenUntil"`
	Paused                       bool   `json:"paused"`
	NoSendUntil                  int64  `json:"noSendUntil"`
	LastUpdate                   int64  `json:"lastUpdate"`
	LastError                    string `json:"lastError"`
}

// Stats is the top-level admin/JSON summary across all providers.
type Stats struct {
	ProviderCount int           `json:"providerCount"`
	OpenCircuits  int           `json:"openCircuits"`
	Providers     []DomainStats `json:"providers"`
}

func (e *Engine) snapshotStats(pk string, st *ProviderState, now int64) DomainStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	return DomainStats{
		Provider:                     pk,
		DelayMS:                      st.DelayMS,
		ConsecutiveSuccesses:         st.ConsecutiveSuccesses,
		ConsecutiveFailures:          st.ConsecutiveFailures,
		ConsecutiveRateLimitFailures: st.ConsecutiveRateLimitFailures,
		TotalDelivered:               st.TotalDelivered,
		TotalDeferred:                st.TotalDeferred,
		TotalBounced:                 st.TotalBounced,
		TotalRateLimited:             st.TotalRateLimited,
		TotalCircuitTrips:            st.TotalCircuitTrips,
		CircuitOpen:                  st.CircuitOpenUntil > now,
		CircuitOpenUntil:             st.CircuitOpenUntil,
		Paused:                       st.NoSendUntil > now,
		NoSendUntil:                  st.NoSendUntil,
		LastUpdate:                   st.LastUpdate,
		LastError:                    st.LastError,
	}
}

// GetStats returns a summary of every known provider's state.
func (e *Engine) GetStats() Stats {
	now := e.now()
	var providers []DomainStats
	openCircuits := 0

	e.registry.Range(func(pk string, st *ProviderState) {
		ds := e.snapshotStats(pk, st, now)
		if ds.CircuitOpen {
			openCircuits++
		}
		providers = append(providers, ds)
	})

	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })

	return Stats{
		ProviderCount: len(providers),
		OpenCircuits:  openCircuits,
		Providers:     providers,
	}
}

// GetDomainStats returns the current stats for a single provider key, and
// whether state for it currently exists (false after ResetDomain).
func (e *Engine) GetDomainStats(pk string) (DomainStats, bool) {
	now := e.now()
	var found bool
	var ds DomainStats

	e.registry.Range(func(candidate string, st *ProviderState) {
		if candidate == pk {
			ds = e.snapshotStats(candidate, st, now)
			found = true
		}
	})

	return ds, found
}

// GetProblemDomains returns providers with at least minFailures consecutive
// failures, sorted by circuit-open first, then paused, then failure count
// descending.
func (e *Engine) GetProblemDomains(minFailures int64) []DomainStats {
	now := e.now()
	var result []DomainStats

	e.registry.Range(func(pk string, st *ProviderState) {
		ds := e.snapshotStats(pk, st, now)
		if ds.ConsecutiveFailures >= minFailures {
			result = append(result, ds)
		}
	})

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.CircuitOpen != b.CircuitOpen {
			return a.CircuitOpen
		}
		if a.Paused != b.Paused {
			return a.Paused
		}
		return a.ConsecutiveFailures > b.ConsecutiveFailures
	})

	return result
}

// GetOpenCircuits returns providers whose circuit is currently open,
// sorted by remaining time ascending (soonest to recover first).
func (e *Engine) GetOpenCircuits() []DomainStats {
	now := e.now()
	var result []DomainStats

	e.registry.Range(func(pk string, st *ProviderState) {
		ds := e.snapshotStats(pk, st, now)
		if ds.CircuitOpen {
			result = append(result, ds)
		}
	})

	sort.Slice(result, func(i, j int) bool {
		return result[i].CircuitOpenUntil < result[j].CircuitOpenUntil
	})

	return result
}

// ResetDomain removes pk's state entirely; the next scheduler call
// recreates it fresh, with delay_ms = initial_delay.
func (e *Engine) ResetDomain(pk string) {
	e.registry.Delete(pk)
}

// ResetAll clears every provider's state.
func (e *Engine) ResetAll() {
	e.registry.Reset()
}

// CloseCircuit forces pk's circuit closed, clears its soft pause, resets
// the rate-limit streak, and resets delay_ms to the provider's initial
// delay, per the administrative close_circuit contract in §4.6.
func (e *Engine) CloseCircuit(pk string) {
	now := e.now()
	cfg := e.resolver.Effective(pk)
	st := e.registry.Get(pk, now)

	st.mu.Lock()
	st.CircuitOpenUntil = 0
	st.NoSendUntil = 0
	st.ConsecutiveRateLimitFailures = 0
	st.DelayMS = cfg.InitialDelay
	st.mu.Unlock()
}

// CleanupStale removes any provider not updated within maxAgeMS of now,
// returning the number of entries removed.
func (e *Engine) CleanupStale(maxAgeMS int64) int {
	return e.registry.CleanupStale(e.now(), maxAgeMS)
}
