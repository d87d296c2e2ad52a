// Package domain contains core domain types for the relay service.
package domain

import (
	"fmt"
	"time"
)

// SessionKey identifies one tenant-bot's automated presence.
type SessionKey struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

// String renders the key in tenant:bot form, used for logging and map keys.
func (k SessionKey) String() string {
	return k.TenantID + ":" + k.BotID
}

// Valid reports whether both key parts are present.
func (k SessionKey) Valid() bool {
	return k.TenantID != "" && k.BotID != ""
}

// ConnectionState is the internal lifecycle state of a session.
type ConnectionState string

const (
	StateUninitialized ConnectionState = "uninitialized"
	StateNavigating    ConnectionState = "navigating"
	StatePairing       ConnectionState = "pairing"
	StateConnected     ConnectionState = "connected"
	// StateDisconnected is terminal. A disconnected session is never reused;
	// a new request for the same key allocates a fresh session.
	StateDisconnected ConnectionState = "disconnected"
)

// Status is the external status enum exposed to callers.
type Status string

const (
	StatusNotInitialized Status = "not_initialized"
	StatusWaitingPairing Status = "waiting_pairing"
	StatusConnected      Status = "connected"
)

// External maps an internal connection state to the caller-facing status.
func (s ConnectionState) External() Status {
	switch s {
	case StatePairing:
		return StatusWaitingPairing
	case StateConnected:
		return StatusConnected
	default:
		return StatusNotInitialized
	}
}

// CanTransition reports whether moving from s to next is a legal state
// machine edge. Disconnected is reachable from every non-terminal state.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if s == StateDisconnected {
		return false
	}
	if next == StateDisconnected {
		return true
	}
	switch s {
	case StateUninitialized:
		return next == StateNavigating
	case StateNavigating:
		return next == StatePairing || next == StateConnected
	case StatePairing:
		return next == StateConnected
	default:
		return false
	}
}

// InboundMessage is one detected message not previously processed.
type InboundMessage struct {
	Key        SessionKey `json:"key"`
	Sender     string     `json:"sender"`
	Text       string     `json:"text"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Direction is the message direction relative to the automated account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ConversationRecord is a persisted message, half of an inbound/outbound pair.
type ConversationRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BotID     string    `json:"bot_id"`
	Contact   string    `json:"contact"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks required record fields before persistence.
func (r *ConversationRecord) Validate() error {
	if r.TenantID == "" || r.BotID == "" {
		return fmt.Errorf("conversation record missing tenant/bot: %q/%q", r.TenantID, r.BotID)
	}
	if r.Direction != DirectionIncoming && r.Direction != DirectionOutgoing {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	return nil
}
