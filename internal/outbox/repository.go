package outbox

import (
	"context"
	"time"
)

// Repository is the persistence contract for outbox messages.
type Repository interface {
	// Create inserts m. It returns ErrDuplicate when another message in the same
	// conversation already carries m.IdempotencyKey.
	Create(ctx context.Context, m Message) error
	Get(ctx context.Context, id string) (Message, error)
	FindByIdempotencyKey(ctx context.Context, conversationID, key string) (Message, error)
	// HasSentWithKey reports whether a message other than excludeID in the same
	// conversation with the same idempotency key has been sent.
	HasSentWithKey(ctx context.Context, conversationID, key, excludeID string) (bool, error)

	// ClaimDue returns up to limit due pending messages, oldest first, and pushes
	// their NextAttemptAt to now+lease so no other tick picks them up meanwhile.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error)
	// MarkSent moves a pending message to sent. Marking an already sent message
	// is a no-op.
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error
	// RecordFailure stores a failed attempt. It returns ErrConflict when the
	// message is no longer pending with PrevTries tries.
	RecordFailure(ctx context.Context, f AttemptFailure) error

	List(ctx context.Context, f ListFilter) ([]Message, error)
	Stats(ctx context.Context) (Stats, error)
}
