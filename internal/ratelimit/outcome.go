package ratelimit

// maxLastErrorLen bounds the truncated diagnostic stored in ProviderState.
const maxLastErrorLen = 200

// OnDelivered records a successful delivery to pk, advancing gradual
// recovery once consecutive_successes reaches the configured threshold.
func (e *Engine) OnDelivered(msgID interface{}, recipientDomain, mxHost string) {
	pk := e.normalizer.Resolve(recipientDomain, mxHost)
	if !e.resolver.IsEnabled(pk, recipientDomain) {
		e.scratch.delete(msgID)
		return
	}

	now := e.now()
	st := e.registry.Get(pk, now)
	cfg := e.resolver.Effective(pk)

	st.mu.Lock()
	st.TotalDelivered++
	st.ConsecutiveSuccesses++
	st.ConsecutiveFailures = 0
	st.LastUpdate = now

	circuitOpen := st.CircuitOpenUntil > now
	if !circuitOpen && st.ConsecutiveSuccesses >= cfg.SuccessThreshold {
		newDelay := int64(float64(st.DelayMS) * cfg.RecoveryRate)
		if newDelay < cfg.MinDelay {
			newDelay = cfg.MinDelay
		}
		st.DelayMS = newDelay

		st.ConsecutiveRateLimitFailures -= cfg.SuccessThreshold
		if st.ConsecutiveRateLimitFailures < 0 {
			st.ConsecutiveRateLimitFailures = 0
		}
		st.ConsecutiveSuccesses = 0
		st.NoSendUntil = 0
	}
	st.mu.Unlock()

	e.metrics.deliveries(pk)
	e.scratch.delete(msgID)
}

// OnDeferred records a deferral of pk, applying exponential backoff and
// circuit-breaker logic when the diagnostic classifies as rate-limit.
func (e *Engine) OnDeferred(msgID interface{}, recipientDomain, mxHost, errMsg string) {
	pk := e.normalizer.Resolve(recipientDomain, mxHost)
	if !e.resolver.IsEnabled(pk, recipientDomain) {
		e.scratch.delete(msgID)
		return
	}

	now := e.now()
	st := e.registry.Get(pk, now)
	cfg := e.resolver.Effective(pk)
	rateLimited := ClassifyDeferral(errMsg)

	var tripped, extended bool

	st.mu.Lock()
	st.TotalDeferred++
	st.ConsecutiveFailures++
	st.LastUpdate = now
	st.LastError = truncate(errMsg, maxLastErrorLen)

	if rateLimited {
		st.ConsecutiveSuccesses = 0
		st.ConsecutiveRateLimitFailures++
		st.TotalRateLimited++

		newDelay := int64(float64(st.DelayMS) * cfg.BackoffMultiplier)
		if newDelay > cfg.MaxDelay {
			newDelay = cfg.MaxDelay
		}
		st.DelayMS = newDelay
		st.NoSendUntil = now + st.DelayMS

		if st.ConsecutiveRateLimitFailures >= cfg.CBThreshold {
			wasOpen := st.CircuitOpenUntil > now
			if !wasOpen {
				st.CircuitOpenUntil = now + cfg.CBDuration
				st.TotalCircuitTrips++
				tripped = true
			} else {
				base := st.CircuitOpenUntil
				if now > base {
					base = now
				}
				st.CircuitOpenUntil = base + cfg.CBDuration
				extended = true
			}
		}
	}
	st.mu.Unlock()

	e.metrics.deferrals(pk)
	if rateLimited {
		e.metrics.rateLimited(pk)
	}
	if tripped {
		e.metrics.circuitTrip(pk)
		e.saveSnapshotNow()
	}
	if extended {
		e.saveSnapshotNow()
	}

	e.scratch.delete(msgID)
}

// OnBounce records a permanent failure for pk. Pacing state is untouched.
func (e *Engine) OnBounce(msgID interface{}, recipientDomain, mxHost string) {
	pk := e.normalizer.Resolve(recipientDomain, mxHost)
	if !e.resolver.IsEnabled(pk, recipientDomain) {
		e.scratch.delete(msgID)
		return
	}

	now := e.now()
	st := e.registry.Get(pk, now)

	st.mu.Lock()
	st.TotalBounced++
	st.LastUpdate = now
	st.mu.Unlock()

	e.metrics.bounces(pk)
	e.scratch.delete(msgID)
}

// truncate shortens s to at most n runes, matching the "truncated
// diagnostic" field described for ProviderState.last_error.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
