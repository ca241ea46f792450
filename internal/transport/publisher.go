package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/core/auth"
	"github.com/consultease/deskunit/internal/queue"
	"github.com/consultease/deskunit/internal/types"
)

// Outcome summarizes one publisher tick for the recovery manager.
type Outcome struct {
	Started   bool
	Delivered int
	Failures  int
}

// attempt is one in-flight publish, polled across ticks.
type attempt struct {
	id      types.MessageID
	class   types.MessageClass
	retries int
	token   Token
	started time.Duration
}

// Publisher drains the queue when connectivity allows. One message in
// flight per class (ordering), classes concurrent (independent priorities);
// a publish resolves via broker acknowledgment or its own timeout, never
// external cancellation.
type Publisher struct {
	client Client
	queue  *queue.Manager
	clk    clock.Clock
	logger *zap.Logger
	signer *auth.Signer // nil when the unit publishes unsigned

	qos            byte
	publishTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	maxRetries     int

	inflight map[types.MessageID]*attempt
}

// NewPublisher creates a publisher over the queue manager. signer may be
// nil for unsigned deployments.
func NewPublisher(client Client, q *queue.Manager, clk clock.Clock, signer *auth.Signer,
	qos byte, publishTimeout, backoffBase, backoffMax time.Duration, maxRetries int,
	logger *zap.Logger) *Publisher {
	return &Publisher{
		client:         client,
		queue:          q,
		clk:            clk,
		logger:         logger,
		signer:         signer,
		qos:            qos,
		publishTimeout: publishTimeout,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		maxRetries:     maxRetries,
		inflight:       make(map[types.MessageID]*attempt),
	}
}

// Tick resolves completed or timed-out attempts, then, when allowed,
// dispatches the next eligible message. Never blocks beyond the client's
// non-blocking API.
func (p *Publisher) Tick(canPublish bool) Outcome {
	now := p.clk.Uptime()
	var out Outcome

	for id, a := range p.inflight {
		switch {
		case a.token.Done():
			delete(p.inflight, id)
			if err := a.token.Err(); err != nil {
				p.failAttempt(a, now, err)
				out.Failures++
			} else {
				if err := p.queue.MarkDelivered(id); err != nil {
					// Expiry sweep may have removed it mid-flight; the broker
					// has it, which at-least-once permits.
					p.logger.Debug("delivered message no longer queued", zap.String("message_id", string(id)))
				}
				out.Delivered++
			}
		case now-a.started > p.publishTimeout:
			// Unacknowledged past the timeout: treat as failure and abandon
			// the token. A late broker ack costs a duplicate delivery, not a
			// lost message.
			delete(p.inflight, id)
			p.failAttempt(a, now, types.ErrPublishTimeout)
			out.Failures++
		}
	}

	if !canPublish {
		return out
	}

	msg := p.queue.PeekNext(now)
	if msg == nil {
		return out
	}

	payload := msg.Payload
	if p.signer != nil {
		signed, err := p.signer.Sign(msg.Payload)
		if err != nil {
			p.logger.Error("payload signing failed, publishing unsigned",
				zap.String("message_id", string(msg.ID)), zap.Error(err))
		} else {
			payload = signed
		}
	}

	if err := p.queue.MarkInFlight(msg.ID); err != nil {
		p.logger.Warn("mark in-flight failed", zap.String("message_id", string(msg.ID)), zap.Error(err))
		return out
	}

	token, err := p.client.Publish(msg.Topic, p.qos, payload)
	if err != nil {
		p.failAttempt(&attempt{id: msg.ID, class: msg.Class, retries: msg.RetryCount}, now, err)
		out.Failures++
		return out
	}

	p.inflight[msg.ID] = &attempt{
		id:      msg.ID,
		class:   msg.Class,
		retries: msg.RetryCount,
		token:   token,
		started: now,
	}
	out.Started = true
	return out
}

// failAttempt applies retry accounting: exponential backoff capped at the
// maximum interval, Failed once the retry budget is exhausted.
func (p *Publisher) failAttempt(a *attempt, now time.Duration, cause error) {
	next := now + p.backoff(a.retries)
	count, err := p.queue.ReleaseForRetry(a.id, next)
	if err != nil {
		p.logger.Debug("failed message no longer queued", zap.String("message_id", string(a.id)))
		return
	}
	if count > p.maxRetries {
		if err := p.queue.MarkFailed(a.id); err != nil {
			p.logger.Warn("mark failed", zap.String("message_id", string(a.id)), zap.Error(err))
		}
		return
	}
	p.logger.Info("publish attempt failed, will retry",
		zap.String("message_id", string(a.id)),
		zap.Stringer("class", a.class),
		zap.Int("retry_count", count),
		zap.Duration("next_retry_in", next-now),
		zap.Error(cause))
}

// backoff doubles from the base per attempt, capped at the maximum.
func (p *Publisher) backoff(retries int) time.Duration {
	d := p.backoffBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= p.backoffMax {
			return p.backoffMax
		}
	}
	if d > p.backoffMax {
		return p.backoffMax
	}
	return d
}

// InFlight reports the number of outstanding publish attempts.
func (p *Publisher) InFlight() int {
	return len(p.inflight)
}
