package event

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryingPublisher wraps a Publisher so that a failed publish is queued and
// retried in the background instead of surfacing to the orchestrator. A
// committed booking must never be rolled back because the event transport
// hiccupped; downstream consumers just observe it late.
type RetryingPublisher struct {
	inner    Publisher
	pending  chan Event
	log      *zap.Logger
	backoff  time.Duration
	attempts int
}

func NewRetryingPublisher(inner Publisher, queueSize int, log *zap.Logger) *RetryingPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &RetryingPublisher{
		inner:    inner,
		pending:  make(chan Event, queueSize),
		log:      log,
		backoff:  500 * time.Millisecond,
		attempts: 5,
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, ev Event) error {
	if err := p.inner.Publish(ctx, ev); err == nil {
		return nil
	} else {
		p.log.Warn("publish failed, queueing for retry",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}

	select {
	case p.pending <- ev:
	default:
		p.log.Error("retry queue full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)))
	}
	return nil
}

// Run drains the retry queue until the context is cancelled.
func (p *RetryingPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.pending:
			p.retry(ctx, ev)
		}
	}
}

func (p *RetryingPublisher) retry(ctx context.Context, ev Event) {
	delay := p.backoff
	for i := 0; i < p.attempts; i++ {
		if err := p.inner.Publish(ctx, ev); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	p.log.Error("giving up on event after retries",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)))
}
