package reporting

import (
	"context"

	"whatsapp-engagement/internal/outbox"
)

type OutboxStats interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

type HumanCounter interface {
	CountNeedsHuman(ctx context.Context) (int, error)
}

type LeadCounter interface {
	CountByInterest(ctx context.Context) (map[string]int, error)
}

// Repository abstracts data access for reporting. Reads only; every source
// is owned by another package.
type Repository interface {
	OutboxStats(ctx context.Context) (outbox.Stats, error)
	CountNeedsHuman(ctx context.Context) (int, error)
	CountLeadsByInterest(ctx context.Context) (map[string]int, error)
}

// Sources adapts the owning packages to Repository.
type Sources struct {
	Outbox        OutboxStats
	Conversations HumanCounter
	Leads         LeadCounter
}

func (s Sources) OutboxStats(ctx context.Context) (outbox.Stats, error) {
	return s.Outbox.Stats(ctx)
}

func (s Sources) CountNeedsHuman(ctx context.Context) (int, error) {
	return s.Conversations.CountNeedsHuman(ctx)
}

func (s Sources) CountLeadsByInterest(ctx context.Context) (map[string]int, error) {
	return s.Leads.CountByInterest(ctx)
}
