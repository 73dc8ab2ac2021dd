// Package outbound adapts the delivery engine's send loop to an adaptive
// pacing engine: a pre-send check that may hold or defer a message, and
// outcome callbacks that feed delivery results back into the pacer.
package outbound

import (
	"context"
	"time"

	"github.com/fenilsonani/email-server/internal/logging"
	"github.com/fenilsonani/email-server/internal/queue"
	"github.com/fenilsonani/email-server/internal/ratelimit"
)

// Pacer is the subset of ratelimit.Engine the delivery adapter depends on.
// Declaring it as an interface here (rather than importing the concrete
// type directly into delivery.go's call sites) keeps the pacing engine an
// optional collaborator: a delivery engine built without one simply never
// has SetPacer called.
type Pacer interface {
	OnSend(msgID interface{}, recipientDomain string) ratelimit.Verdict
	OnDelivered(msgID interface{}, recipientDomain, mxHost string)
	OnDeferred(msgID interface{}, recipientDomain, mxHost, errMsg string)
	OnBounce(msgID interface{}, recipientDomain, mxHost string)
}

// Requeuer is the subset of *queue.RedisQueue the Gate needs to reschedule
// a paced message at a caller-supplied delay, declared here for the same
// reason Pacer is: it keeps Gate's collaborators structurally-satisfied
// interfaces instead of concrete types, so a fake can stand in for tests.
type Requeuer interface {
	RetryAfter(ctx context.Context, msgID, reason string, after time.Duration) error
}

// Gate evaluates a message against the pacer before a delivery attempt. It
// blocks for at most the claim horizon (a Wait verdict) or returns a
// duration the caller must wait before re-invoking Gate (a Reenqueue
// verdict), per the scheduler contract in the pacing engine's §4.4.
type Gate struct {
	pacer  Pacer
	queue  Requeuer
	logger *logging.Logger
}

// NewGate builds a Gate wrapping pacer, the outbound queue (for
// reenqueue scheduling), and a logger.
func NewGate(pacer Pacer, q Requeuer, logger *logging.Logger) *Gate {
	return &Gate{pacer: pacer, queue: q, logger: logger.RateLimit()}
}

// GateResult reports what the caller should do next.
type GateResult int

const (
	// ResultProceed means the caller should attempt delivery now.
	ResultProceed GateResult = iota
	// ResultReenqueued means the message was rescheduled on the outbound
	// queue and the caller must return without attempting delivery.
	ResultReenqueued
)

// Evaluate consults the pacer for msg and either blocks in-process for a
// Wait verdict (returning ResultProceed once the hold elapses) or
// reschedules msg on the queue for a Reenqueue verdict (returning
// ResultReenqueued immediately, releasing the worker).
func (g *Gate) Evaluate(ctx context.Context, msg *queue.Message) GateResult {
	if g.pacer == nil {
		return ResultProceed
	}

	for {
		v := g.pacer.OnSend(msg.ID, msg.Domain)

		switch v.Kind {
		case ratelimit.Proceed:
			return ResultProceed

		case ratelimit.Wait:
			select {
			case <-time.After(time.Duration(v.DelayMS) * time.Millisecond):
				continue
			case <-ctx.Done():
				if err := g.queue.RetryAfter(context.Background(), msg.ID, "adaptive pacing reenqueue", time.Duration(v.DelayMS)*time.Millisecond); err != nil {
					g.logger.WithError(err).Warn("failed to reschedule paced message", "message_id", msg.ID)
				}
				return ResultReenqueued
			}

		case ratelimit.Reenqueue:
			if err := g.queue.RetryAfter(ctx, msg.ID, "adaptive pacing reenqueue", time.Duration(v.DelayMS)*time.Millisecond); err != nil {
				g.logger.WithError(err).WarnContext(ctx, "failed to reschedule paced message", "message_id", msg.ID)
			}
			return ResultReenqueued

		default:
			return ResultProceed
		}
	}
}

// RecordDelivered reports a successful delivery to the pacer.
func (g *Gate) RecordDelivered(msg *queue.Message, mxHost string) {
	if g.pacer == nil {
		return
	}
	g.pacer.OnDelivered(msg.ID, msg.Domain, mxHost)
}

// RecordDeferred reports a deferral to the pacer.
func (g *Gate) RecordDeferred(msg *queue.Message, mxHost, errMsg string) {
	if g.pacer == nil {
		return
	}
	g.pacer.OnDeferred(msg.ID, msg.Domain, mxHost, errMsg)
}

// RecordBounce reports a permanent bounce to the pacer.
func (g *Gate) RecordBounce(msg *queue.Message, mxHost string) {
	if g.pacer == nil {
		return
	}
	g.pacer.OnBounce(msg.ID, msg.Domain, mxHost)
}
