package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-engagement/pkg/utils"
)

// PostgresSchema creates the sessions table.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
  phone      TEXT PRIMARY KEY,
  state      TEXT NOT NULL,
  data       JSONB NOT NULL DEFAULT '{}',
  last_turn  JSONB NOT NULL DEFAULT '{}',
  updated_at TIMESTAMPTZ NOT NULL
)`,
	`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS last_turn JSONB NOT NULL DEFAULT '{}'`,
	`CREATE INDEX IF NOT EXISTS sessions_updated_at_idx ON sessions (updated_at)`,
}

// PostgresStore persists sessions in the sessions table.
//
// Per-phone serialization comes from the row lock taken by SELECT ... FOR UPDATE.
// The sweep DELETE waits on the same row lock and re-evaluates updated_at once
// the mutating transaction commits.
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: withTTLDefault(ttl), clock: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, phone string) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}

	const q = `
SELECT phone, state, data, last_turn, updated_at
FROM sessions
WHERE phone = $1
`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, phone))
	if err != nil {
		return Session{}, err
	}
	if sess.Expired(s.clock().UTC(), s.ttl) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, phone string, fn Mutator) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrInvalidArgument
	}

	var out Session
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := s.clock().UTC()

		// Make sure a row exists so there is always something to lock.
		const ensure = `
INSERT INTO sessions (phone, state, data, updated_at)
VALUES ($1, $2, '{}', $3)
ON CONFLICT (phone) DO NOTHING
`
		if _, err := tx.ExecContext(ctx, ensure, phone, string(StateStart), now); err != nil {
			return fmt.Errorf("ensure session row: %w", err)
		}

		const lock = `
SELECT phone, state, data, last_turn, updated_at
FROM sessions
WHERE phone = $1
FOR UPDATE
`
		cur, err := scanSession(tx.QueryRowContext(ctx, lock, phone))
		if err != nil {
			return err
		}
		if cur.Expired(now, s.ttl) {
			cur = New(phone, now)
		}

		next, err := apply(cur, fn, now)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next.Data)
		if err != nil {
			return err
		}
		turn, err := json.Marshal(next.LastTurn)
		if err != nil {
			return err
		}
		const upd = `
UPDATE sessions
SET state = $2, data = $3, last_turn = $4, updated_at = $5
WHERE phone = $1
`
		if _, err := tx.ExecContext(ctx, upd, phone, string(next.State), data, turn, next.UpdatedAt); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.ttl)
	const q = `DELETE FROM sessions WHERE updated_at < $1`
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close is a no-op; the *sql.DB is owned by the process.
func (s *PostgresStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess  Session
		state string
		data  []byte
		turn  []byte
	)
	if err := row.Scan(&sess.Phone, &state, &data, &turn, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.State = State(state)
	if !sess.State.Valid() {
		return Session{}, fmt.Errorf("%w: stored %q", ErrInvalidState, state)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sess.Data); err != nil {
			return Session{}, fmt.Errorf("decode session data: %w", err)
		}
	}
	if len(turn) > 0 {
		if err := json.Unmarshal(turn, &sess.LastTurn); err != nil {
			return Session{}, fmt.Errorf("decode session turn: %w", err)
		}
	}
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return sess, nil
}
