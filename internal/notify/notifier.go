// Package notify tells staff about conversations that need them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type EventType string

const (
	EventEscalated    EventType = "conversation.escalated"
	EventLeadCaptured EventType = "lead.captured"
)

// Lead is the contact data collected by the bot.
type Lead struct {
	CUIT     string `json:"cuit,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Interest string `json:"interest,omitempty"`
}

// Event is a staff-facing notification.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Phone          string    `json:"phone"`
	ContactName    string    `json:"contact_name,omitempty"`
	State          string    `json:"state,omitempty"`
	Lead           Lead      `json:"lead"`
	LastMessage    string    `json:"last_message,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier delivers events. Callers treat notification as best effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	l := n.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("staff notification",
		"event_id", ev.ID,
		"type", string(ev.Type),
		"conversation_id", ev.ConversationID,
		"state", ev.State,
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
