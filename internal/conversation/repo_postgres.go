package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"whatsapp-engagement/pkg/utils"
)

var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
  id              TEXT PRIMARY KEY,
  phone           TEXT NOT NULL UNIQUE,
  contact_name    TEXT,
  state           TEXT NOT NULL,
  needs_human     BOOLEAN NOT NULL DEFAULT FALSE,
  last_message_at TIMESTAMPTZ NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL REFERENCES conversations(id),
  direction           TEXT NOT NULL,
  author              TEXT NOT NULL,
  author_id           TEXT,
  text                TEXT NOT NULL,
  status              TEXT NOT NULL,
  outbox_id           TEXT,
  provider_message_id TEXT,
  error               TEXT,
  created_at          TIMESTAMPTZ NOT NULL,
  updated_at          TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversation_messages_inbound_uidx
  ON conversation_messages (provider_message_id) WHERE direction = 'in' AND provider_message_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS conversation_messages_conv_idx
  ON conversation_messages (conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS conversation_messages_outbox_idx
  ON conversation_messages (outbox_id) WHERE outbox_id IS NOT NULL`,
}

const conversationColumns = `id, phone, contact_name, state, needs_human, last_message_at, created_at, updated_at`

const messageColumns = `id, conversation_id, direction, author, author_id, text, status,
outbox_id, provider_message_id, error, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const q = `
INSERT INTO conversations (` + conversationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (phone)
DO UPDATE SET contact_name = COALESCE(conversations.contact_name, EXCLUDED.contact_name)
RETURNING ` + conversationColumns
	row := r.db.QueryRowContext(ctx, q,
		c.ID,
		c.Phone,
		utils.NullString(c.ContactName),
		c.State,
		c.NeedsHuman,
		c.LastMessageAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	out, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresRepo) Update(ctx context.Context, c Conversation) error {
	const q = `
UPDATE conversations
SET contact_name = $2, state = $3, needs_human = $4, last_message_at = $5, updated_at = $6
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		c.ID,
		utils.NullString(c.ContactName),
		c.State,
		c.NeedsHuman,
		c.LastMessageAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if f.NeedsHuman != nil {
		args = append(args, *f.NeedsHuman)
		q += ` WHERE needs_human = $1`
	}
	q += ` ORDER BY last_message_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) AppendMessage(ctx context.Context, m Message) error {
	const q = `
INSERT INTO conversation_messages (` + messageColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := r.db.ExecContext(ctx, q,
		m.ID,
		m.ConversationID,
		string(m.Direction),
		string(m.Author),
		utils.NullString(m.AuthorID),
		m.Text,
		string(m.Status),
		utils.NullString(m.OutboxID),
		utils.NullString(m.ProviderMessageID),
		utils.NullString(m.Error),
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert conversation message: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetMessage(ctx context.Context, id string) (Message, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r *PostgresRepo) DeleteMessage(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation message: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM (
  SELECT ` + messageColumns + ` FROM conversation_messages
  WHERE conversation_id = $1
  ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $2`
	}
	q += `
) recent ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

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

func (r *PostgresRepo) FindByOutboxID(ctx context.Context, outboxID string) (Message, error) {
	return r.findOne(ctx, `WHERE outbox_id = $1`, outboxID)
}

func (r *PostgresRepo) FindByProviderID(ctx context.Context, providerMessageID string) (Message, error) {
	return r.findOne(ctx, `WHERE provider_message_id = $1`, providerMessageID)
}

func (r *PostgresRepo) findOne(ctx context.Context, where string, arg any) (Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM conversation_messages `+where+` LIMIT 1`, arg)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("find conversation message: %w", err)
	}
	return m, nil
}

func (r *PostgresRepo) UpdateMessage(ctx context.Context, m Message) error {
	const q = `
UPDATE conversation_messages
SET status = $2, outbox_id = $3, provider_message_id = $4, error = $5, updated_at = $6
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		m.ID,
		string(m.Status),
		utils.NullString(m.OutboxID),
		utils.NullString(m.ProviderMessageID),
		utils.NullString(m.Error),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) CountNeedsHuman(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE needs_human`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c    Conversation
		name sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Phone, &name, &c.State, &c.NeedsHuman, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.ContactName = name.String
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                                   Message
		direction, author, status           string
		authorID, outboxID, providerID, msg sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&direction,
		&author,
		&authorID,
		&m.Text,
		&status,
		&outboxID,
		&providerID,
		&msg,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Direction = Direction(direction)
	m.Author = Author(author)
	m.Status = DeliveryStatus(status)
	m.AuthorID = authorID.String
	m.OutboxID = outboxID.String
	m.ProviderMessageID = providerID.String
	m.Error = msg.String
	return m, nil
}
