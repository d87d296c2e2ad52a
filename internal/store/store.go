// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/relaybot/relaybot/internal/domain"
)

// ConversationStore defines the interface for persisting conversation records.
type ConversationStore interface {
	// Append persists a single conversation record.
	Append(ctx context.Context, rec *domain.ConversationRecord) error

	// RecentByContact returns the most recent records exchanged with a
	// contact for a tenant/bot pair, oldest first, at most limit entries.
	RecentByContact(ctx context.Context, key domain.SessionKey, contact string, limit int) ([]*domain.ConversationRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
