package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for local runs and tests.
type MemoryRepo struct {
	mu       sync.Mutex
	messages map[string]Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{messages: make(map[string]Message)}
}

func (r *MemoryRepo) Create(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[m.ID]; ok {
		return ErrDuplicate
	}
	if m.IdempotencyKey != "" {
		for _, existing := range r.messages {
			if existing.ConversationID == m.ConversationID && existing.IdempotencyKey == m.IdempotencyKey {
				return ErrDuplicate
			}
		}
	}
	r.messages[m.ID] = cloneMessage(m)
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MemoryRepo) FindByIdempotencyKey(_ context.Context, conversationID, key string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.IdempotencyKey == key {
			return cloneMessage(m), nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepo) HasSentWithKey(_ context.Context, conversationID, key, excludeID string) (bool, error) {
	if key == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID != excludeID && m.ConversationID == conversationID && m.IdempotencyKey == key && m.Status == StatusSent {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]Message, 0)
	for _, m := range r.messages {
		if m.Due(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	out := make([]Message, 0, len(due))
	for _, m := range due {
		claimed := r.messages[m.ID]
		claimed.NextAttemptAt = &leaseUntil
		claimed.UpdatedAt = now
		r.messages[m.ID] = claimed
		out = append(out, cloneMessage(claimed))
	}
	return out, nil
}

func (r *MemoryRepo) MarkSent(_ context.Context, id, providerMessageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	switch m.Status {
	case StatusSent:
		return nil
	case StatusFailed:
		return ErrConflict
	}
	m.Status = StatusSent
	if providerMessageID != "" {
		m.ProviderMessageID = providerMessageID
	}
	m.LastError = ""
	m.LastAttemptAt = &at
	m.NextAttemptAt = nil
	m.UpdatedAt = at
	r.messages[id] = m
	return nil
}

func (r *MemoryRepo) RecordFailure(_ context.Context, f AttemptFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[f.ID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != StatusPending || m.Tries != f.PrevTries || f.Tries <= m.Tries {
		return ErrConflict
	}
	m.Tries = f.Tries
	m.Status = f.Status
	m.LastError = f.LastError
	at := f.At
	m.LastAttemptAt = &at
	m.NextAttemptAt = copyTime(f.NextAttemptAt)
	m.UpdatedAt = f.At
	r.messages[f.ID] = m
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, 0)
	for _, m := range r.messages {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.ConversationID != "" && m.ConversationID != f.ConversationID {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) Stats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{ByStatus: map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}}
	for _, m := range r.messages {
		st.ByStatus[m.Status]++
		if m.Status == StatusPending && (st.OldestPendingAt == nil || m.CreatedAt.Before(*st.OldestPendingAt)) {
			created := m.CreatedAt
			st.OldestPendingAt = &created
		}
	}
	return st, nil
}

func cloneMessage(m Message) Message {
	m.LastAttemptAt = copyTime(m.LastAttemptAt)
	m.NextAttemptAt = copyTime(m.NextAttemptAt)
	return m
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
