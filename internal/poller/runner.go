// Package poller runs the per-session inbound message polling loop.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaybot/relaybot/internal/domain"
)

// InboundSource yields new inbound messages past a seen offset. Implemented
// by the browser page driver.
type InboundSource interface {
	PollOnce(ctx context.Context, seen int) ([]domain.InboundMessage, int, error)
}

// Handler receives each batch of new inbound messages, in DOM order.
type Handler func(msgs []domain.InboundMessage)

// Runner polls a single conversation on a fixed interval. Ticks are handled
// one at a time on the runner goroutine: a poll that overruns the interval
// causes later ticks to be skipped, never queued.
type Runner struct {
	key      domain.SessionKey
	source   InboundSource
	interval time.Duration
	handler  Handler

	seen int
}

// NewRunner creates a runner starting with zero messages seen.
func NewRunner(key domain.SessionKey, source InboundSource, interval time.Duration, handler Handler) *Runner {
	return &Runner{
		key:      key,
		source:   source,
		interval: interval,
		handler:  handler,
	}
}

// Run polls until ctx is canceled. It blocks; callers run it on its own
// goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Debug("Inbound poller started", "session", r.key, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Inbound poller stopped", "session", r.key, "reason", ctx.Err())
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	msgs, total, err := r.source.PollOnce(ctx, r.seen)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Inbound poll failed", "session", r.key, "error", err)
		return
	}
	if total <= r.seen {
		return
	}

	// The seen count advances even when the batch is empty (all new rows
	// were outgoing), so those rows are never re-examined.
	r.seen = total
	if len(msgs) > 0 && r.handler != nil {
		r.handler(msgs)
	}
}
