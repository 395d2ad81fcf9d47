package leads

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepo struct {
	mu      sync.Mutex
	byPhone map[string]Lead
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byPhone: make(map[string]Lead)}
}

func (r *MemoryRepo) Upsert(_ context.Context, l Lead) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byPhone[l.Phone]; ok {
		l.ID = existing.ID
		l.CreatedAt = existing.CreatedAt
		if l.CUIT == "" {
			l.CUIT = existing.CUIT
		}
	}
	r.byPhone[l.Phone] = l
	return l, nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lead, 0, len(r.byPhone))
	for _, l := range r.byPhone {
		if f.Interest != "" && l.Interest != f.Interest {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) CountByInterest(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, l := range r.byPhone {
		out[l.Interest]++
	}
	return out, nil
}
