// Package bus provides the in-process event bus that decouples the session
// registry, connection detection, and message dispatch from one another.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaybot/relaybot/internal/domain"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// EventType identifies a bus event.
type EventType string

const (
	EventQRReady         EventType = "qr-ready"
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventMessageReceived EventType = "message-received"
)

// Event is a single bus notification. Artifact is set only for qr-ready,
// Message only for message-received.
type Event struct {
	Type     EventType              `json:"type"`
	TenantID string                 `json:"tenant_id"`
	BotID    string                 `json:"bot_id"`
	Artifact []byte                 `json:"artifact,omitempty"`
	Message  *domain.InboundMessage `json:"message,omitempty"`
	At       time.Time              `json:"at"`
}

// Key returns the session key the event belongs to.
func (e Event) Key() domain.SessionKey {
	return domain.SessionKey{TenantID: e.TenantID, BotID: e.BotID}
}

// Bus is a fan-out publish/subscribe bus. Every subscriber receives every
// event on its own buffered channel; a subscriber that falls behind has
// events dropped rather than blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// its event channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("Event dropped for slow subscriber",
				"type", ev.Type, "tenant_id", ev.TenantID, "bot_id", ev.BotID)
		}
	}
	return nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
