package audit

import "time"

// Event is an immutable, append-only record of an operator action.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block operator flows on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated operator causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`
	MessageID      string `json:"message_id,omitempty" db:"message_id"`
	OutboxID       string `json:"outbox_id,omitempty" db:"outbox_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeLogin           EventType = "login"
	EventTypeStaffReply      EventType = "staff_reply"
	EventTypeHandoffResolved EventType = "handoff_resolved"
	EventTypeOutboxResend    EventType = "outbox_resend"
)
