package ratelimit

// VerdictKind enumerates the three outcomes a scheduler entry can produce.
type VerdictKind int

const (
	// Proceed means the message may be sent immediately.
	Proceed VerdictKind = iota
	// Wait means the worker should hold for the given interval and then
	// proceed; used when the wait fits within the claim horizon.
	Wait
	// Reenqueue means the worker should be released and the host should
	// re-invoke the scheduler for this message after the given interval.
	Reenqueue
)

func (k VerdictKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Wait:
		return "wait"
	case Reenqueue:
		return "reenqueue"
	default:
		return "unknown"
	}
}

// Verdict is the scheduler's decision for one scheduler entry.
type Verdict struct {
	Kind     VerdictKind
	DelayMS  int64 // meaningful only for Wait and Reenqueue
}

// maxClaimHorizonMS bounds how long a message will hold a worker waiting
// for its claimed slot before the scheduler instead releases it.
const maxClaimHorizonMS = 5000

// OnSend is the pre-send scheduler entry point. It evaluates the five
// steps of the pacing decision, in order, for a single message against
// provider key pk, and returns exactly one verdict.
func (e *Engine) OnSend(msgID interface{}, recipientDomain string) Verdict {
	e.ensureMetricsServer()

	if recipientDomain == "" {
		return Verdict{Kind: Proceed}
	}

	pk := e.normalizer.Resolve(recipientDomain, "")

	if !e.resolver.IsEnabled(pk, recipientDomain) {
		return Verdict{Kind: Proceed}
	}

	now := e.now()
	st := e.registry.Get(pk, now)
	scratch := e.scratch.get(msgID)

	st.mu.Lock()
	defer st.mu.Unlock()

	// Step 1: circuit check.
	if st.CircuitOpenUntil > now {
		e.recordDelayOnce(pk, scratch)
		return Verdict{Kind: Reenqueue, DelayMS: st.CircuitOpenUntil - now}
	}

	// Step 2: circuit-just-expired cleanup. Gradual recovery begins here;
	// delay_ms and the rate-limit streak are left untouched.
	if st.CircuitOpenUntil > 0 && st.CircuitOpenUntil <= now {
		st.CircuitOpenUntil = 0
		st.NoSendUntil = 0
	}

	// Step 3: soft pause check.
	if st.NoSendUntil > now {
		e.recordDelayOnce(pk, scratch)
		return Verdict{Kind: Reenqueue, DelayMS: st.NoSendUntil - now}
	}

	// Step 4: slot-based pacing.
	cfg := e.resolver.Effective(pk)
	d := cfg.MinDelay
	if st.ConsecutiveRateLimitFailures > 0 {
		d = st.DelayMS
	}

	// Collapse stale head.
	if st.NextSendTime < now {
		st.NextSendTime = now
	}
	// Recovery collapse.
	if d < st.PaceDelay && st.NextSendTime > now+d {
		st.NextSendTime = now + d
	}
	st.PaceDelay = d

	if scratch.HasClaim {
		wait := scratch.ClaimedSlot - now
		if wait <= 0 {
			scratch.HasClaim = false
			scratch.ClaimedSlot = 0
			return Verdict{Kind: Proceed}
		}
		return Verdict{Kind: Wait, DelayMS: wait}
	}

	mySlot := st.NextSendTime
	wait := mySlot - now
	claimHorizon := d * 10
	if claimHorizon > maxClaimHorizonMS {
		claimHorizon = maxClaimHorizonMS
	}

	if wait <= 0 {
		st.NextSendTime = now + d
		return Verdict{Kind: Proceed}
	}

	if wait <= claimHorizon {
		scratch.ClaimedSlot = mySlot
		scratch.HasClaim = true
		st.NextSendTime = mySlot + d
		e.recordDelayOnce(pk, scratch)
		if st.ConsecutiveRateLimitFailures == 0 {
			e.metrics.baselineThrottled(pk)
		}
		return Verdict{Kind: Wait, DelayMS: wait}
	}

	reenqueueMS := wait
	if d < reenqueueMS {
		reenqueueMS = d
	}
	if reenqueueMS > maxClaimHorizonMS {
		reenqueueMS = maxClaimHorizonMS
	}
	return Verdict{Kind: Reenqueue, DelayMS: reenqueueMS}
}

// recordDelayOnce increments the "delay applied" metric at most once per
// message, using the scratch flag to detect re-entries.
func (e *Engine) recordDelayOnce(pk string, scratch *MessageScratch) {
	if scratch.DelayCounted {
		return
	}
	scratch.DelayCounted = true
	e.metrics.delayApplied(pk)
}
