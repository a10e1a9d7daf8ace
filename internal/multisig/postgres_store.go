package multisig

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// PostgresStore persists ceremony checkpoints in PostgreSQL. Each Save
// inserts the new checkpoint row and deletes older rounds in one
// transaction, so a crash mid-save never loses the previous checkpoint.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed checkpoint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, state *RoundState) error {
	blobsJSON, err := json.Marshal(state.Blobs)
	if err != nil {
		return fmt.Errorf("marshal checkpoint blobs: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO multisig_round_states (
			escrow_id, round, state, threshold, blobs, address, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escrow_id, round) DO UPDATE SET
			state = EXCLUDED.state,
			threshold = EXCLUDED.threshold,
			blobs = EXCLUDED.blobs,
			address = EXCLUDED.address,
			updated_at = EXCLUDED.updated_at`,
		state.EscrowID, state.Round, string(state.State), state.Threshold,
		blobsJSON, nullString(state.Address), state.UpdatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM multisig_round_states
		WHERE escrow_id = $1 AND round < $2`,
		state.EscrowID, state.Round,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) Load(ctx context.Context, escrowID string) (*RoundState, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, round, state, threshold, blobs, address, updated_at
		FROM multisig_round_states
		WHERE escrow_id = $1
		ORDER BY round DESC
		LIMIT 1`, escrowID)

	var (
		st        RoundState
		stateStr  string
		blobsJSON []byte
		address   sql.NullString
	)
	err := row.Scan(&st.EscrowID, &st.Round, &stateStr, &st.Threshold, &blobsJSON, &address, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no ceremony checkpoint for escrow %s", escrowerr.ErrNotFound, escrowID)
	}
	if err != nil {
		return nil, err
	}

	st.State = State(stateStr)
	st.Address = address.String
	st.Blobs = make(map[string]string)
	if len(blobsJSON) > 0 {
		if err := json.Unmarshal(blobsJSON, &st.Blobs); err != nil {
			return nil, fmt.Errorf("decode checkpoint blobs for escrow %s: %w", escrowID, err)
		}
	}
	return &st, nil
}

func (p *PostgresStore) Purge(ctx context.Context, escrowID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM multisig_round_states WHERE escrow_id = $1`, escrowID)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
