package session

import (
	"context"
	"errors"

	"github.com/relaybot/relaybot/internal/domain"
)

var (
	// ErrNavigationTimeout is returned when the chat client page does not
	// load within the configured navigation timeout.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrSendControlNotFound is returned when the compose control for an
	// outgoing reply cannot be located in the page.
	ErrSendControlNotFound = errors.New("send control not found")

	// ErrSessionNotFound is returned for lookups of unknown session keys.
	ErrSessionNotFound = errors.New("session not found")
)

// ReplySender sends an outgoing reply to a contact through the chat client.
type ReplySender interface {
	SendReply(ctx context.Context, contact, text string) error
}

// Driver abstracts a single chat client page. The registry and poller talk
// to the page exclusively through this interface.
type Driver interface {
	ReplySender

	// Navigate loads the chat client. Returns ErrNavigationTimeout
	// (possibly wrapped) when the page does not become ready in time.
	Navigate(ctx context.Context) error

	// Authenticated reports whether the page shows an authenticated chat
	// UI. False with nil error means pairing is still pending.
	Authenticated(ctx context.Context) (bool, error)

	// PairingArtifact returns a PNG pairing code for the current page.
	// It never fails: when no code can be extracted it returns a
	// placeholder image.
	PairingArtifact(ctx context.Context) []byte

	// PollOnce inspects the conversation DOM. seen is the number of
	// message elements already processed; PollOnce returns inbound
	// messages that appeared past that point plus the new total count.
	PollOnce(ctx context.Context, seen int) ([]domain.InboundMessage, int, error)

	// Close releases the underlying page. Safe to call more than once.
	Close() error
}

// DriverFactory allocates a Driver for a session key.
type DriverFactory interface {
	NewDriver(ctx context.Context, key domain.SessionKey) (Driver, error)
}
