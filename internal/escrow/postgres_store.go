package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL. Every CAS write and
// its audit entry commit in one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_id, buyer_id, vendor_id, arbiter_id, amount,
		       status, version, multisig_address, tx_hash, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.OrderID, e.BuyerID, e.VendorID, e.ArbiterID, e.Amount,
		string(e.Status), e.Version, nullString(e.MultisigAddress), nullString(e.TxHash),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: escrow %s", escrowerr.ErrNotFound, id)
	}
	return e, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	var (
		conds []string
		args  []interface{}
	)
	if status != "" {
		args = append(args, string(status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatusCAS(ctx context.Context, id string, expectedVersion int64, newStatus Status, actor, reason string) (bool, error) {
	return p.cas(ctx, id, expectedVersion, newStatus, actor, reason, `
		UPDATE escrows
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING `+escrowColumns,
		string(newStatus), id, expectedVersion)
}

func (p *PostgresStore) UpdateAddressCAS(ctx context.Context, id string, expectedVersion int64, address string, newStatus Status, actor, reason string) (bool, error) {
	return p.cas(ctx, id, expectedVersion, newStatus, actor, reason, `
		UPDATE escrows
		SET status = $1, multisig_address = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
		RETURNING `+escrowColumns,
		string(newStatus), address, id, expectedVersion)
}

func (p *PostgresStore) UpdateTxHashCAS(ctx context.Context, id string, expectedVersion int64, txHash string, newStatus Status, actor, reason string) (bool, error) {
	// tx_hash IS NULL makes a second recorded transaction impossible even
	// if a caller somehow passes a fresh version
	return p.cas(ctx, id, expectedVersion, newStatus, actor, reason, `
		UPDATE escrows
		SET status = $1, tx_hash = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4 AND tx_hash IS NULL
		RETURNING `+escrowColumns,
		string(newStatus), txHash, id, expectedVersion)
}

// cas runs the guarded update and appends the audit row in one
// transaction. No row updated means the version guard failed.
func (p *PostgresStore) cas(ctx context.Context, id string, expectedVersion int64, newStatus Status, actor, reason, query string, args ...interface{}) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var before Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM escrows WHERE id = $1 FOR UPDATE`, id).Scan((*string)(&before))
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: escrow %s", escrowerr.ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}

	updated, err := scanEscrow(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_transitions (escrow_id, from_status, to_status, version, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		id, string(before), string(newStatus), updated.Version, actor, nullString(reason),
	)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (p *PostgresStore) Transitions(ctx context.Context, escrowID string) ([]*TransitionEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, version, actor, reason, created_at
		FROM escrow_transitions
		WHERE escrow_id = $1
		ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TransitionEntry
	for rows.Next() {
		var (
			entry  TransitionEntry
			from   string
			to     string
			reason sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.EscrowID, &from, &to, &entry.Version, &entry.Actor, &reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.From = Status(from)
		entry.To = Status(to)
		entry.Reason = reason.String
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveWalletRegistration(ctx context.Context, reg *WalletRegistration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_registrations (id, escrow_id, role, rpc_url, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		reg.ID, reg.EscrowID, reg.Role, reg.RPCURL, reg.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListWalletRegistrations(ctx context.Context, escrowID string) ([]*WalletRegistration, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, role, rpc_url, created_at
		FROM wallet_registrations
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*WalletRegistration
	for rows.Next() {
		var reg WalletRegistration
		if err := rows.Scan(&reg.ID, &reg.EscrowID, &reg.Role, &reg.RPCURL, &reg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &reg)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e       Escrow
		status  string
		address sql.NullString
		txHash  sql.NullString
	)
	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &e.Amount,
		&status, &e.Version, &address, &txHash, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.MultisigAddress = address.String
	e.TxHash = txHash.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
