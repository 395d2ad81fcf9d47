package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"whatsapp-engagement/pkg/utils"
)

// PostgresSchema creates the outbox_messages table.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_messages (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL,
  phone               TEXT NOT NULL,
  text                TEXT NOT NULL,
  status              TEXT NOT NULL,
  tries               INT NOT NULL DEFAULT 0,
  idempotency_key     TEXT,
  provider_message_id TEXT,
  last_error          TEXT,
  last_attempt_at     TIMESTAMPTZ,
  next_attempt_at     TIMESTAMPTZ,
  created_at          TIMESTAMPTZ NOT NULL,
  updated_at          TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS outbox_messages_conv_key_uidx
  ON outbox_messages (conversation_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS outbox_messages_pending_idx
  ON outbox_messages (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS outbox_messages_sent_key_idx
  ON outbox_messages (idempotency_key) WHERE status = 'sent'`,
}

const messageColumns = `id, conversation_id, phone, text, status, tries, idempotency_key,
provider_message_id, last_error, last_attempt_at, next_attempt_at, created_at, updated_at`

// PostgresRepo stores outbox messages in Postgres. ClaimDue uses
// FOR UPDATE SKIP LOCKED so several workers can share the table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, m Message) error {
	const q = `
INSERT INTO outbox_messages (` + messageColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	_, err := r.db.ExecContext(ctx, q,
		m.ID,
		m.ConversationID,
		m.Phone,
		m.Text,
		string(m.Status),
		m.Tries,
		utils.NullString(m.IdempotencyKey),
		utils.NullString(m.ProviderMessageID),
		utils.NullString(m.LastError),
		utils.NullTime(m.LastAttemptAt),
		utils.NullTime(m.NextAttemptAt),
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM outbox_messages WHERE id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) FindByIdempotencyKey(ctx context.Context, conversationID, key string) (Message, error) {
	const q = `
SELECT ` + messageColumns + `
FROM outbox_messages
WHERE conversation_id = $1 AND idempotency_key = $2
LIMIT 1
`
	return scanMessage(r.db.QueryRowContext(ctx, q, conversationID, key))
}

func (r *PostgresRepo) HasSentWithKey(ctx context.Context, conversationID, key, excludeID string) (bool, error) {
	if key == "" {
		return false, nil
	}
	const q = `
SELECT EXISTS (
  SELECT 1 FROM outbox_messages
  WHERE conversation_id = $1 AND idempotency_key = $2 AND status = 'sent' AND id <> $3
)
`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, conversationID, key, excludeID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	// RETURNING sees the leased next_attempt_at; the worker only needs tries and
	// payload, which the lease does not touch.
	const q = `
UPDATE outbox_messages o
SET next_attempt_at = $2, updated_at = $1
FROM (
  SELECT id FROM outbox_messages
  WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
  ORDER BY created_at ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
) due
WHERE o.id = due.id
RETURNING o.id, o.conversation_id, o.phone, o.text, o.status, o.tries, o.idempotency_key,
  o.provider_message_id, o.last_error, o.last_attempt_at, o.next_attempt_at, o.created_at, o.updated_at
`
	rows, err := r.db.QueryContext(ctx, q, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *PostgresRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	const q = `
UPDATE outbox_messages
SET status = 'sent',
    provider_message_id = COALESCE($2, provider_message_id),
    last_error = NULL,
    last_attempt_at = $3,
    next_attempt_at = NULL,
    updated_at = $3
WHERE id = $1 AND status = 'pending'
`
	res, err := r.db.ExecContext(ctx, q, id, utils.NullString(providerMessageID), at)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == StatusSent {
		return nil
	}
	return ErrConflict
}

func (r *PostgresRepo) RecordFailure(ctx context.Context, f AttemptFailure) error {
	const q = `
UPDATE outbox_messages
SET tries = $3,
    status = $4,
    last_error = $5,
    last_attempt_at = $6,
    next_attempt_at = $7,
    updated_at = $6
WHERE id = $1 AND status = 'pending' AND tries = $2 AND $3 > tries
`
	res, err := r.db.ExecContext(ctx, q,
		f.ID,
		f.PrevTries,
		f.Tries,
		string(f.Status),
		utils.NullString(f.LastError),
		f.At,
		utils.NullTime(f.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, f.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		where = append(where, fmt.Sprintf("conversation_id = $%d", len(args)))
	}
	q := `SELECT ` + messageColumns + ` FROM outbox_messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *PostgresRepo) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.ByStatus[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var oldest sql.NullTime
	const q = `SELECT MIN(created_at) FROM outbox_messages WHERE status = 'pending'`
	if err := r.db.QueryRowContext(ctx, q).Scan(&oldest); err != nil {
		return Stats{}, fmt.Errorf("outbox oldest pending: %w", err)
	}
	st.OldestPendingAt = utils.TimePtr(oldest)
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                        Message
		status                   string
		key, providerID, lastErr sql.NullString
		lastAttempt, nextAttempt sql.NullTime
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Phone,
		&m.Text,
		&status,
		&m.Tries,
		&key,
		&providerID,
		&lastErr,
		&lastAttempt,
		&nextAttempt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.Status = Status(status)
	m.IdempotencyKey = key.String
	m.ProviderMessageID = providerID.String
	m.LastError = lastErr.String
	m.LastAttemptAt = utils.TimePtr(lastAttempt)
	m.NextAttemptAt = utils.TimePtr(nextAttempt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
