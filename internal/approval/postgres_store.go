package approval

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists approvals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const approvalColumns = `id, wallet_id, agent_id, owner_id, transaction_id, amount_micro,
		       product_name, product_locator, merchant, status,
		       expires_at, decided_at, decided_by, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, wallet_id, agent_id, owner_id, transaction_id, amount_micro,
			product_name, product_locator, merchant, status,
			expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.WalletID, r.AgentID, r.OwnerID, r.TransactionID, r.AmountMicro,
		r.ProductName, r.ProductLocator, r.Merchant, string(r.Status),
		r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Transition is a single conditional UPDATE; the WHERE clause on status and
// deadline is what makes racing deciders safe across instances.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, decidedAt time.Time, decidedBy string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE approvals
		SET status = $2, decided_at = $3, decided_by = $4
		WHERE id = $1 AND status = 'pending'
		  AND ($2 = 'expired' OR expires_at >= $3)
		RETURNING `+approvalColumns,
		id, string(to), decidedAt, decidedBy,
	)
	r, err := scanRecord(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return r, err
	}

	var status string
	var expiresAt time.Time
	err = p.db.QueryRowContext(ctx,
		`SELECT status, expires_at FROM approvals WHERE id = $1`, id).Scan(&status, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	case Status(status) == StatusPending && decidedAt.After(expiresAt):
		return nil, ErrExpired
	}
	return nil, ErrNotPending
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r         Record
		status    string
		decidedAt sql.NullTime
		decidedBy sql.NullString
	)
	err := s.Scan(
		&r.ID, &r.WalletID, &r.AgentID, &r.OwnerID, &r.TransactionID, &r.AmountMicro,
		&r.ProductName, &r.ProductLocator, &r.Merchant, &status,
		&r.ExpiresAt, &decidedAt, &decidedBy, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	r.DecidedBy = decidedBy.String
	return &r, nil
}
