package audit

import (
	"context"
	"database/sql"
	"fmt"

	"whatsapp-engagement/pkg/utils"
)

// PostgresSchema keeps audit_events insert-only through a trigger.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL,
  actor_user_id   TEXT,
  actor_role      TEXT,
  ip_address      TEXT,
  conversation_id TEXT,
  message_id      TEXT,
  outbox_id       TEXT,
  message         TEXT,
  metadata        TEXT,
  created_at      TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS audit_events_created_idx ON audit_events (created_at DESC)`,
	`CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'audit_events is append-only';
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_events_no_change ON audit_events`,
	`CREATE TRIGGER audit_events_no_change BEFORE UPDATE OR DELETE ON audit_events
  FOR EACH ROW EXECUTE FUNCTION audit_events_immutable()`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, conversation_id,
  message_id, outbox_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		utils.NullString(e.ActorUserID),
		utils.NullString(e.ActorRole),
		utils.NullString(e.IPAddress),
		utils.NullString(e.ConversationID),
		utils.NullString(e.MessageID),
		utils.NullString(e.OutboxID),
		utils.NullString(e.Message),
		utils.NullString(e.Metadata),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, type, actor_user_id, actor_role, ip_address, conversation_id,
  message_id, outbox_id, message, metadata, created_at
FROM audit_events
ORDER BY created_at DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e                                  Event
			typ                                string
			actor, role, ip, conv, msgID, obID sql.NullString
			message, metadata                  sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &actor, &role, &ip, &conv, &msgID, &obID, &message, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.ActorUserID = actor.String
		e.ActorRole = role.String
		e.IPAddress = ip.String
		e.ConversationID = conv.String
		e.MessageID = msgID.String
		e.OutboxID = obID.String
		e.Message = message.String
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}
