package session

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Store persists sessions keyed by phone.
//
// Implementations must serialize Upsert calls for the same phone and must let
// SweepExpired observe the same per-phone exclusion, so a sweep never deletes a
// session that is being mutated.
type Store interface {
	// Get returns ErrNotFound when the phone has no live session.
	Get(ctx context.Context, phone string) (Session, error)
	// Upsert reads or creates the session, applies fn and persists the result.
	// An expired session is treated as absent and restarts in START.
	Upsert(ctx context.Context, phone string, fn Mutator) (Session, error)
	// SweepExpired removes sessions whose UpdatedAt is older than now-TTL and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// apply runs fn against a copy of cur and checks the result.
func apply(cur Session, fn Mutator, now time.Time) (Session, error) {
	next := cur
	next.LastTurn.Replies = slices.Clone(cur.LastTurn.Replies)
	if fn != nil {
		if err := fn(&next); err != nil {
			return Session{}, err
		}
	}
	if next.Phone != cur.Phone {
		return Session{}, fmt.Errorf("%w: phone cannot change", ErrInvalidArgument)
	}
	if !next.State.Valid() {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidState, next.State)
	}
	next.UpdatedAt = now
	return next, nil
}

func withTTLDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
