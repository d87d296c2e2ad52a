// Package dispatch turns inbound messages into AI-generated replies.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/relaybot/relaybot/internal/domain"
	"github.com/relaybot/relaybot/internal/responder"
	"github.com/relaybot/relaybot/internal/session"
	"github.com/relaybot/relaybot/internal/store"
)

// SenderLookup resolves the outgoing send channel for a session.
// Implemented by the session registry.
type SenderLookup interface {
	ReplySender(key domain.SessionKey) (session.ReplySender, error)
}

// Config holds dispatcher tuning.
type Config struct {
	// HistoryDepth is how many stored records are fed to the responder
	// as conversation context.
	HistoryDepth int

	// FallbackReply is sent when reply generation fails. Contacts always
	// get an answer; they never see a silent drop from a responder error.
	FallbackReply string
}

// Dispatcher replies to every inbound message handed to Deliver. Messages
// queue without bound and are handled one at a time in arrival order, so a
// burst never loses messages, a contact never receives replies out of
// order, and no message is answered twice.
type Dispatcher struct {
	cfg     Config
	records store.ConversationStore
	ai      responder.Responder
	senders SenderLookup

	mu    sync.Mutex
	queue []domain.InboundMessage
	wake  chan struct{}
}

// New creates a dispatcher.
func New(cfg Config, records store.ConversationStore, ai responder.Responder, senders SenderLookup) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		records: records,
		ai:      ai,
		senders: senders,
		wake:    make(chan struct{}, 1),
	}
}

// Deliver queues msgs for dispatch. It never blocks and never drops.
func (d *Dispatcher) Deliver(msgs []domain.InboundMessage) {
	if len(msgs) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, msgs...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is canceled. It blocks; callers run it on
// its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Message dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Message dispatcher shutting down", "reason", ctx.Err())
			return
		default:
		}

		msg, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				slog.Info("Message dispatcher shutting down", "reason", ctx.Err())
				return
			case <-d.wake:
			}
			continue
		}
		d.handle(ctx, &msg)
	}
}

func (d *Dispatcher) next() (domain.InboundMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return domain.InboundMessage{}, false
	}
	msg := d.queue[0]
	d.queue = d.queue[1:]
	return msg, true
}

func (d *Dispatcher) handle(ctx context.Context, msg *domain.InboundMessage) {
	key := msg.Key
	log := slog.With("session", key, "contact", msg.Sender)

	// History is fetched before the current message is appended so the
	// responder does not see the message twice.
	history, err := d.records.RecentByContact(ctx, key, msg.Sender, d.cfg.HistoryDepth)
	if err != nil {
		log.Warn("Failed to load conversation history", "error", err)
		history = nil
	}

	d.append(ctx, log, &domain.ConversationRecord{
		TenantID:  key.TenantID,
		BotID:     key.BotID,
		Contact:   msg.Sender,
		Direction: domain.DirectionIncoming,
		Text:      msg.Text,
		Timestamp: msg.ObservedAt,
	})

	reply, err := d.ai.GenerateReply(ctx, responder.Request{
		TenantID: key.TenantID,
		BotID:    key.BotID,
		Contact:  msg.Sender,
		Text:     msg.Text,
		History:  history,
	})
	if err != nil {
		log.Error("Reply generation failed, using fallback", "error", err)
		reply = d.cfg.FallbackReply
	}
	if reply == "" {
		log.Warn("Empty reply, nothing to send")
		return
	}

	sender, err := d.senders.ReplySender(key)
	if err != nil {
		log.Warn("No send channel for session, dropping reply", "error", err)
		return
	}
	if err := sender.SendReply(ctx, msg.Sender, reply); err != nil {
		if errors.Is(err, session.ErrSendControlNotFound) {
			log.Warn("Send control not found, dropping reply", "error", err)
		} else {
			log.Warn("Failed to send reply, dropping", "error", err)
		}
		return
	}

	d.append(ctx, log, &domain.ConversationRecord{
		TenantID:  key.TenantID,
		BotID:     key.BotID,
		Contact:   msg.Sender,
		Direction: domain.DirectionOutgoing,
		Text:      reply,
	})
}

// append writes a record, logging failures without affecting dispatch.
func (d *Dispatcher) append(ctx context.Context, log *slog.Logger, rec *domain.ConversationRecord) {
	if err := d.records.Append(ctx, rec); err != nil {
		log.Warn("Failed to append conversation record", "direction", rec.Direction, "error", err)
	}
}
