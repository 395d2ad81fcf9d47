package conversation

import (
	"context"
	"time"
)

// Repository persists conversations and their messages.
type Repository interface {
	// EnsureConversation returns the conversation for phone, creating it if needed.
	EnsureConversation(ctx context.Context, c Conversation) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	Update(ctx context.Context, c Conversation) error
	List(ctx context.Context, f ListFilter) ([]Conversation, error)

	// AppendMessage returns ErrDuplicate when an inbound message with the same
	// provider id was already stored.
	AppendMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	FindByOutboxID(ctx context.Context, outboxID string) (Message, error)
	FindByProviderID(ctx context.Context, providerMessageID string) (Message, error)
	UpdateMessage(ctx context.Context, m Message) error
	CountNeedsHuman(ctx context.Context) (int, error)
}

func touch(c *Conversation, at time.Time) {
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	c.UpdatedAt = at
}
