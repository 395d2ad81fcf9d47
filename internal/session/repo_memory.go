package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Suitable for a single
// instance and for tests.
type MemoryStore struct {
	ttl   time.Duration
	clock func() time.Time
	locks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]Session
	closed   bool
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      withTTLDefault(ttl),
		clock:    time.Now,
		locks:    newKeyedMutex(),
		sessions: make(map[string]Session),
	}
}

func (s *MemoryStore) Get(_ context.Context, phone string) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Session{}, ErrClosed
	}
	cur, ok := s.sessions[phone]
	if !ok || cur.Expired(s.clock().UTC(), s.ttl) {
		return Session{}, ErrNotFound
	}
	return cur, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, phone string, fn Mutator) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}

	s.locks.Lock(phone)
	defer s.locks.Unlock(phone)

	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	now := s.clock().UTC()

	s.mu.RLock()
	closed := s.closed
	cur, ok := s.sessions[phone]
	s.mu.RUnlock()
	if closed {
		return Session{}, ErrClosed
	}
	if !ok || cur.Expired(now, s.ttl) {
		cur = New(phone, now)
	}

	next, err := apply(cur, fn, now)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrClosed
	}
	s.sessions[phone] = next
	return next, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.ttl)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	candidates := make([]string, 0)
	for phone, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, phone)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, phone := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("sweep interrupted: %w", err)
		}
		if s.removeIfBefore(phone, cutoff) {
			removed++
		}
	}
	return removed, nil
}

// removeIfBefore re-checks the session under its phone lock so a turn that
// refreshed it after the scan is kept.
func (s *MemoryStore) removeIfBefore(phone string, cutoff time.Time) bool {
	s.locks.Lock(phone)
	defer s.locks.Unlock(phone)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[phone]
	if !ok || !sess.UpdatedAt.Before(cutoff) {
		return false
	}
	delete(s.sessions, phone)
	return true
}

// Len returns the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = make(map[string]Session)
	return nil
}
