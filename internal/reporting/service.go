package reporting

import (
	"context"
	"errors"
	"time"

	"whatsapp-engagement/internal/outbox"
)

// DefaultStuckAfter is how old the oldest pending message may get before the
// pipeline is reported as stuck.
const DefaultStuckAfter = 5 * time.Minute

type Service struct {
	repo       Repository
	stuckAfter time.Duration
	clock      func() time.Time
}

func NewService(repo Repository, stuckAfter time.Duration) *Service {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Service{repo: repo, stuckAfter: stuckAfter, clock: time.Now}
}

var errNotConfigured = errors.New("reporting: repository not configured")

func (s *Service) DeliverySummary(ctx context.Context) (DeliverySummary, error) {
	if s.repo == nil {
		return DeliverySummary{}, errNotConfigured
	}
	st, err := s.repo.OutboxStats(ctx)
	if err != nil {
		return DeliverySummary{}, err
	}

	now := s.clock().UTC()
	out := DeliverySummary{
		Pending:     st.ByStatus[outbox.StatusPending],
		Sent:        st.ByStatus[outbox.StatusSent],
		Failed:      st.ByStatus[outbox.StatusFailed],
		GeneratedAt: now,
	}
	out.Total = out.Pending + out.Sent + out.Failed
	if done := out.Sent + out.Failed; done > 0 {
		out.FailureRate = float64(out.Failed) / float64(done)
	}
	if st.OldestPendingAt != nil && out.Pending > 0 {
		oldest := st.OldestPendingAt.UTC()
		out.OldestPendingAt = &oldest
		age := now.Sub(oldest)
		if age < 0 {
			age = 0
		}
		out.OldestPendingAgeSeconds = int(age / time.Second)
		out.Stuck = age > s.stuckAfter
	}
	return out, nil
}

func (s *Service) EngagementSummary(ctx context.Context) (EngagementSummary, error) {
	if s.repo == nil {
		return EngagementSummary{}, errNotConfigured
	}
	needsHuman, err := s.repo.CountNeedsHuman(ctx)
	if err != nil {
		return EngagementSummary{}, err
	}
	byInterest, err := s.repo.CountLeadsByInterest(ctx)
	if err != nil {
		return EngagementSummary{}, err
	}
	out := EngagementSummary{NeedsHuman: needsHuman, LeadsByInterest: byInterest}
	if out.LeadsByInterest == nil {
		out.LeadsByInterest = map[string]int{}
	}
	for _, n := range out.LeadsByInterest {
		out.LeadsTotal += n
	}
	return out, nil
}
