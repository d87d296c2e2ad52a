// Package responder generates automated replies to inbound messages.
package responder

import (
	"context"

	"github.com/relaybot/relaybot/internal/domain"
)

// Request carries everything needed to generate one reply.
type Request struct {
	TenantID string
	BotID    string
	Contact  string
	Text     string

	// History holds recent records exchanged with the contact, oldest
	// first, giving the model conversational context.
	History []*domain.ConversationRecord
}

// Responder produces a reply for an inbound message.
type Responder interface {
	GenerateReply(ctx context.Context, req Request) (string, error)
}
