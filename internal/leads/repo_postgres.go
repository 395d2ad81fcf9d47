package leads

import (
	"context"
	"database/sql"
	"fmt"

	"whatsapp-engagement/pkg/utils"
)

var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
  id         TEXT PRIMARY KEY,
  phone      TEXT NOT NULL UNIQUE,
  name       TEXT NOT NULL,
  email      TEXT NOT NULL,
  interest   TEXT NOT NULL,
  cuit       TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, l Lead) (Lead, error) {
	const q = `
INSERT INTO leads (id, phone, name, email, interest, cuit, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (phone)
DO UPDATE SET
  name = EXCLUDED.name,
  email = EXCLUDED.email,
  interest = EXCLUDED.interest,
  cuit = COALESCE(EXCLUDED.cuit, leads.cuit),
  updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at, cuit
`
	var cuit sql.NullString
	err := r.db.QueryRowContext(ctx, q,
		l.ID,
		l.Phone,
		l.Name,
		l.Email,
		l.Interest,
		utils.NullString(l.CUIT),
		l.CreatedAt,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt, &cuit)
	if err != nil {
		return Lead{}, fmt.Errorf("upsert lead: %w", err)
	}
	l.CUIT = cuit.String
	return l, nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Lead, error) {
	q := `SELECT id, phone, name, email, interest, cuit, created_at, updated_at FROM leads`
	var args []any
	if f.Interest != "" {
		args = append(args, f.Interest)
		q += ` WHERE interest = $1`
	}
	q += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	out := make([]Lead, 0)
	for rows.Next() {
		var (
			l    Lead
			cuit sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Phone, &l.Name, &l.Email, &l.Interest, &cuit, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.CUIT = cuit.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CountByInterest(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT interest, COUNT(*) FROM leads GROUP BY interest`)
	if err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			interest string
			n        int
		)
		if err := rows.Scan(&interest, &n); err != nil {
			return nil, err
		}
		out[interest] = n
	}
	return out, rows.Err()
}
