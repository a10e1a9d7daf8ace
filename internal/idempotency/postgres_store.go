package idempotency

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists idempotency records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, escrow_id, action, result, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()`, key)

	var rec Record
	err := row.Scan(&rec.Key, &rec.EscrowID, &rec.Action, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, escrow_id, action, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.EscrowID, rec.Action, []byte(rec.Result), rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
