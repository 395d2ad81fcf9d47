// Package leads stores contacts captured by the qualification flow.
package leads

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"whatsapp-engagement/internal/session"
)

type Repository interface {
	// Upsert inserts or updates the lead for l.Phone and returns the stored row.
	Upsert(ctx context.Context, l Lead) (Lead, error)
	List(ctx context.Context, f ListFilter) ([]Lead, error)
	CountByInterest(ctx context.Context) (map[string]int, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Record persists the lead collected in a session.
func (s *Service) Record(ctx context.Context, phone string, data session.LeadData) error {
	l := Lead{
		Phone:    strings.TrimSpace(phone),
		Name:     strings.TrimSpace(data.Name),
		Email:    strings.TrimSpace(data.Email),
		Interest: strings.TrimSpace(data.Interest),
		CUIT:     strings.TrimSpace(data.CUIT),
	}
	if l.Phone == "" || l.Name == "" || l.Email == "" || l.Interest == "" {
		return fmt.Errorf("%w: phone, name, email and interest are required", ErrInvalidLead)
	}

	now := s.clock().UTC()
	l.ID = uuid.NewString()
	l.CreatedAt = now
	l.UpdatedAt = now
	if _, err := s.repo.Upsert(ctx, l); err != nil {
		return fmt.Errorf("save lead: %w", err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Lead, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

func (s *Service) CountByInterest(ctx context.Context) (map[string]int, error) {
	return s.repo.CountByInterest(ctx)
}
