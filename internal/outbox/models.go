package outbox

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the worker is done with a message in this status.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// Message is one outbound WhatsApp text awaiting delivery.
//
// Invariants:
//   - Tries only grows.
//   - A sent message never changes status again.
//   - (ConversationID, IdempotencyKey) is unique when the key is set.
//   - NextAttemptAt doubles as the claim lease: a claimed message is not due
//     again until the lease or the retry backoff runs out.
type Message struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	Phone             string     `json:"phone"`
	Text              string     `json:"text"`
	Status            Status     `json:"status"`
	Tries             int        `json:"tries"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Due reports whether a pending message may be attempted at now.
func (m Message) Due(now time.Time) bool {
	if m.Status != StatusPending {
		return false
	}
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// AttemptFailure records a failed delivery attempt. PrevTries guards against a
// concurrent writer having already recorded the same attempt.
type AttemptFailure struct {
	ID            string
	PrevTries     int
	Tries         int
	Status        Status
	LastError     string
	At            time.Time
	NextAttemptAt *time.Time
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status         Status
	ConversationID string
	Limit          int
}

// Stats summarizes the queue for operators.
type Stats struct {
	ByStatus        map[Status]int `json:"by_status"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
}

var (
	ErrNotFound        = errors.New("outbox: not found")
	ErrDuplicate       = errors.New("outbox: duplicate idempotency key")
	ErrInvalidArgument = errors.New("outbox: invalid argument")
	ErrConflict        = errors.New("outbox: message changed concurrently")
	ErrNotFailed       = errors.New("outbox: only failed messages can be resent")
	ErrAlreadyRunning  = errors.New("outbox: worker already running")
)
