package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// snapshotSchemaVersion is the on-disk snapshot format version. Bump this
// and reject older/newer versions on load if the persisted field set ever
// changes shape.
const snapshotSchemaVersion = 1

// PersistedState is the subset of ProviderState written to and restored
// from a snapshot. next_send_time and pace_delay are deliberately absent:
// timing state is never inherited across a restart.
type PersistedState struct {
	DelayMS                      int64  `json:"delayMs"`
	ConsecutiveSuccesses         int64  `json:"consecutiveSuccesses"`
	ConsecutiveFailures          int64  `json:"consecutiveFailures"`
	ConsecutiveRateLimitFailures int64  `json:"consecutiveRateLimitFailures"`
	TotalDelivered               int64  `json:"totalDelivered"`
	TotalDeferred                int64  `json:"totalDeferred"`
	TotalBounced                 int64  `json:"totalBounced"`
	TotalRateLimited             int64  `json:"totalRateLimited"`
	TotalCircuitTrips            int64  `json:"totalCircuitTrips"`
	CircuitOpenUntil             int64  `json:"circuitOpenUntil"`
	NoSendUntil                  int64  `json:"noSendUntil"`
	LastUpdate                   int64  `json:"lastUpdate"`
	LastError                    string `json:"lastError"`
}

// Snapshot is the top-level on-disk representation, written as JSON to a
// temp file that is then renamed over the state file.
type Snapshot struct {
	Version int                       `json:"version"`
	SavedAt int64                     `json:"savedAt"`
	Domains map[string]PersistedState `json:"domains"`
}

// buildSnapshot captures every provider whose state has diverged from a
// freshly-created default, per §4.7: only PKs with a nontrivial delay,
// active rate-limit streak, open circuit, or active soft pause are
// included.
func (e *Engine) buildSnapshot(now int64) Snapshot {
	snap := Snapshot{
		Version: snapshotSchemaVersion,
		SavedAt: now,
		Domains: make(map[string]PersistedState),
	}

	e.registry.Range(func(pk string, st *ProviderState) {
		cfg := e.resolver.Effective(pk)

		st.mu.Lock()
		defer st.mu.Unlock()

		if st.DelayMS <= cfg.InitialDelay &&
			st.ConsecutiveRateLimitFailures <= 0 &&
			st.CircuitOpenUntil <= now &&
			st.NoSendUntil <= now {
			return
		}

		snap.Domains[pk] = PersistedState{
			DelayMS:                      st.DelayMS,
			ConsecutiveSuccesses:         st.ConsecutiveSuccesses,
			ConsecutiveFailures:          st.ConsecutiveFailures,
			ConsecutiveRateLimitFailures: st.ConsecutiveRateLimitFailures,
			TotalDelivered:               st.TotalDelivered,
			TotalDeferred:                st.TotalDeferred,
			TotalBounced:                 st.TotalBounced,
			TotalRateLimited:             st.TotalRateLimited,
			TotalCircuitTrips:            st.TotalCircuitTrips,
			CircuitOpenUntil:             st.CircuitOpenUntil,
			NoSendUntil:                  st.NoSendUntil,
			LastUpdate:                   st.LastUpdate,
			LastError:                    st.LastError,
		}
	})

	return snap
}

// SaveState writes the current provider state to the configured snapshot
// file via a sibling temp file and atomic rename. A disabled state file
// (empty path) is a silent no-op.
func (e *Engine) SaveState() error {
	if e.stateFile == "" {
		return nil
	}

	now := e.now()
	snap := e.buildSnapshot(now)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		e.logger.WithError(err).Warn("ratelimit: failed to marshal snapshot")
		return err
	}

	dir := filepath.Dir(e.stateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.WithError(err).Warn("ratelimit: failed to create snapshot directory")
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ratelimit-state-*.tmp")
	if err != nil {
		e.logger.WithError(err).Warn("ratelimit: failed to create temp snapshot file")
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		e.logger.WithError(err).Warn("ratelimit: failed to write snapshot")
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		e.logger.WithError(err).Warn("ratelimit: failed to close snapshot temp file")
		return err
	}

	if err := os.Rename(tmpName, e.stateFile); err != nil {
		os.Remove(tmpName)
		e.logger.WithError(err).Warn("ratelimit: failed to rename snapshot into place")
		return err
	}

	return nil
}

// saveSnapshotNow persists state in the background, ignoring errors beyond
// the logging SaveState already does: a failed save must never disturb
// delivery.
func (e *Engine) saveSnapshotNow() {
	if e.stateFile == "" {
		return
	}
	go func() {
		_ = e.SaveState()
	}()
}

// LoadState restores provider state from the configured snapshot file, if
// present and not stale. Any I/O or parse error, a version mismatch, or a
// snapshot older than stateMaxAgeMS is logged and ignored — the engine
// simply starts with empty state.
func (e *Engine) LoadState() {
	if e.stateFile == "" {
		return
	}

	data, err := os.ReadFile(e.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.WithError(err).Warn("ratelimit: failed to read snapshot file")
		}
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		e.logger.WithError(err).Warn("ratelimit: failed to parse snapshot file")
		return
	}

	if snap.Version != snapshotSchemaVersion {
		e.logger.Warn("ratelimit: snapshot schema version mismatch, ignoring",
			"found", snap.Version, "expected", snapshotSchemaVersion)
		return
	}

	now := e.now()
	ageMS := now - snap.SavedAt
	if e.stateMaxAgeMS > 0 && ageMS > e.stateMaxAgeMS {
		e.logger.Warn("ratelimit: snapshot too old, ignoring",
			"age_ms", ageMS, "max_age_ms", e.stateMaxAgeMS)
		return
	}

	for pk, ps := range snap.Domains {
		st := e.registry.Get(pk, now)
		st.mu.Lock()
		st.DelayMS = ps.DelayMS
		st.ConsecutiveSuccesses = ps.ConsecutiveSuccesses
		st.ConsecutiveFailures = ps.ConsecutiveFailures
		st.ConsecutiveRateLimitFailures = ps.ConsecutiveRateLimitFailures
		st.TotalDelivered = ps.TotalDelivered
		st.TotalDeferred = ps.TotalDeferred
		st.TotalBounced = ps.TotalBounced
		st.TotalRateLimited = ps.TotalRateLimited
		st.TotalCircuitTrips = ps.TotalCircuitTrips
		st.CircuitOpenUntil = ps.CircuitOpenUntil
		st.NoSendUntil = ps.NoSendUntil
		st.LastUpdate = ps.LastUpdate
		st.LastError = ps.LastError

		// Timing state is never inherited across a restart.
		st.NextSendTime = 0
		st.PaceDelay = 0

		if st.CircuitOpenUntil <= now {
			st.CircuitOpenUntil = 0
		}
		if st.NoSendUntil <= now {
			st.NoSendUntil = 0
		}
		st.mu.Unlock()
	}

	e.logger.Info("ratelimit: restored snapshot", "providers", len(snap.Domains), "age_ms", ageMS)
}

// startSnapshotLoop runs the periodic snapshot save on a ticker until Stop
// closes stopCh. A zero interval disables the periodic save (the
// trip-triggered save in OnDeferred still fires).
func (e *Engine) startSnapshotLoop() {
	if e.stateFile == "" || e.stateSaveIntervalMS <= 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Duration(e.stateSaveIntervalMS) * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.SaveState(); err != nil {
					e.logger.WithError(err).Warn("ratelimit: periodic snapshot save failed")
				}
			}
		}
	}()
}
