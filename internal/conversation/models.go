package conversation

import (
	"errors"
	"time"
)

// Conversation is the dashboard view of one contact.
type Conversation struct {
	ID            string    `json:"id"`
	Phone         string    `json:"phone"`
	ContactName   string    `json:"contact_name,omitempty"`
	State         string    `json:"state"`
	NeedsHuman    bool      `json:"needs_human"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type Author string

const (
	AuthorContact Author = "contact"
	AuthorBot     Author = "bot"
	AuthorStaff   Author = "staff"
)

// DeliveryStatus is what operators see next to each message.
type DeliveryStatus string

const (
	StatusReceived  DeliveryStatus = "received"
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders outbound statuses so late provider callbacks never move a
// message backwards.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advances reports whether moving from cur to s is allowed. failed is only
// accepted before the provider confirmed delivery.
func (s DeliveryStatus) Advances(cur DeliveryStatus) bool {
	if s == StatusFailed {
		return cur.rank() < StatusDelivered.rank() && cur != StatusFailed
	}
	if cur == StatusFailed {
		// A resend relinks a failed message and starts it again.
		return s == StatusPending || s.rank() > StatusPending.rank()
	}
	return s.rank() > cur.rank()
}

// Message is one line in a conversation.
type Message struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	Direction         Direction      `json:"direction"`
	Author            Author         `json:"author"`
	AuthorID          string         `json:"author_id,omitempty"`
	Text              string         `json:"text"`
	Status            DeliveryStatus `json:"status"`
	OutboxID          string         `json:"outbox_id,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type ListFilter struct {
	NeedsHuman *bool
	Limit      int
}

var (
	ErrNotFound        = errors.New("conversation: not found")
	ErrDuplicate       = errors.New("conversation: duplicate message")
	ErrInvalidArgument = errors.New("conversation: invalid argument")
)
