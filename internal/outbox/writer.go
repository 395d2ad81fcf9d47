package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueRequest describes one outbound text.
type EnqueueRequest struct {
	ConversationID string
	Phone          string
	Text           string
	// IdempotencyKey is optional. Enqueueing the same key twice for a
	// conversation returns the first message.
	IdempotencyKey string
}

// Writer appends messages to the outbox.
type Writer struct {
	repo  Repository
	clock func() time.Time
}

func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo, clock: time.Now}
}

// Enqueue stores a pending message and reports whether it was newly created.
func (w *Writer) Enqueue(ctx context.Context, req EnqueueRequest) (Message, bool, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Phone = strings.TrimSpace(req.Phone)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.ConversationID == "" || req.Phone == "" {
		return Message{}, false, fmt.Errorf("%w: conversation id and phone are required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Text) == "" {
		return Message{}, false, fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}

	if req.IdempotencyKey != "" {
		existing, err := w.repo.FindByIdempotencyKey(ctx, req.ConversationID, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	now := w.clock().UTC()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Phone:          req.Phone,
		Text:           req.Text,
		Status:         StatusPending,
		Tries:          0,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.repo.Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicate) && req.IdempotencyKey != "" {
			// Lost a race with a concurrent enqueue of the same key.
			existing, ferr := w.repo.FindByIdempotencyKey(ctx, req.ConversationID, req.IdempotencyKey)
			if ferr != nil {
				return Message{}, false, fmt.Errorf("reload after duplicate: %w", ferr)
			}
			return existing, false, nil
		}
		return Message{}, false, fmt.Errorf("create outbox message: %w", err)
	}
	enqueuedTotal.Inc()
	return m, true, nil
}

// Resend queues a fresh copy of a failed message. The failed record stays
// terminal; resending the same failed message twice yields the same copy.
func (w *Writer) Resend(ctx context.Context, id string) (Message, bool, error) {
	orig, err := w.repo.Get(ctx, id)
	if err != nil {
		return Message{}, false, err
	}
	if orig.Status != StatusFailed {
		return Message{}, false, ErrNotFailed
	}
	return w.Enqueue(ctx, EnqueueRequest{
		ConversationID: orig.ConversationID,
		Phone:          orig.Phone,
		Text:           orig.Text,
		IdempotencyKey: "resend:" + orig.ID,
	})
}

func (w *Writer) Get(ctx context.Context, id string) (Message, error) {
	return w.repo.Get(ctx, id)
}
