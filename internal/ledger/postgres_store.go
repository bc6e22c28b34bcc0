package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/pagination"
)

// PostgresStore persists wallets and ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, agent_id, balance, status, created_at, updated_at`

const txColumns = `id, wallet_id, type, amount, merchant, description, reference,
		       status, failure_reason, created_at, completed_at`

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.OwnerID, w.AgentID, w.Balance, string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) ListWallets(ctx context.Context, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWallets(rows)
}

func (p *PostgresStore) ListWalletsByOwner(ctx context.Context, ownerID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWallets(rows)
}

func (p *PostgresStore) SetWalletStatus(ctx context.Context, id string, status WalletStatus) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `
		UPDATE wallets SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+walletColumns, id, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// Debit decrements the balance with a single conditional UPDATE and writes
// the ledger entry in the same transaction. If the UPDATE matches no row the
// transaction is rolled back and the cause is diagnosed with a plain read.
func (p *PostgresStore) Debit(ctx context.Context, in DebitInput) (*Transaction, int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND balance >= $2
		RETURNING balance`,
		in.WalletID, in.Amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, 0, p.debitFailure(ctx, in.WalletID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	now := time.Now().UTC()
	var entry *Transaction
	if in.TransactionID != "" {
		entry, err = scanTransaction(tx.QueryRowContext(ctx, `
			UPDATE transactions SET status = 'completed', completed_at = $3
			WHERE id = $1 AND wallet_id = $2 AND status = 'pending'
			RETURNING `+txColumns,
			in.TransactionID, in.WalletID, now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrTransactionNotPending
		}
	} else {
		entry, err = scanTransaction(tx.QueryRowContext(ctx, `
			INSERT INTO transactions (id, wallet_id, type, amount, merchant, description, reference,
			                          status, failure_reason, created_at, completed_at)
			VALUES ($1, $2, 'spend', $3, $4, $5, $6, 'completed', '', $7, $7)
			RETURNING `+txColumns,
			idgen.WithPrefix(idgen.PrefixTransaction), in.WalletID, in.Amount,
			in.Merchant, in.Description, in.Reference, now))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return entry, balance, nil
}

func (p *PostgresStore) debitFailure(ctx context.Context, walletID string) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM wallets WHERE id = $1`, walletID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrWalletNotFound
	case err != nil:
		return err
	case WalletStatus(status) != WalletActive:
		return ErrWalletFrozen
	default:
		return ErrInsufficientFunds
	}
}

func (p *PostgresStore) Credit(ctx context.Context, in CreditInput) (*Transaction, int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance`, in.WalletID, in.Amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrWalletNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	now := time.Now().UTC()
	entry, err := scanTransaction(tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, merchant, description, reference,
		                          status, failure_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, '', $5, $6, 'completed', '', $7, $7)
		RETURNING `+txColumns,
		idgen.WithPrefix(idgen.PrefixTransaction), in.WalletID, string(in.Type), in.Amount,
		in.Description, in.Reference, now))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, 0, ErrDuplicateCredit
		}
		return nil, 0, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return entry, balance, nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, merchant, description, reference,
		                          status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.WalletID, string(t.Type), t.Amount, t.Merchant, t.Description, t.Reference,
		string(t.Status), t.FailureReason, t.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrWalletNotFound
	}
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) MarkTransactionFailed(ctx context.Context, id, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'failed', failure_reason = $2
		WHERE id = $1 AND status = 'pending'`, id, reason)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := p.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ErrTransactionNotPending
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE wallet_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, walletID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE wallet_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, walletID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumSpend(ctx context.Context, walletIDs []string, since, pendingSince time.Time) (int64, error) {
	if len(walletIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE wallet_id = ANY($1)
		  AND type = 'spend'
		  AND (
		    (status = 'completed' AND completed_at >= $2)
		    OR (status = 'pending' AND created_at >= GREATEST($2, $3))
		  )`,
		pq.Array(walletIDs), since, pendingSince,
	).Scan(&total)
	return total, err
}

func (p *PostgresStore) LedgerBalances(ctx context.Context) ([]BalanceCheck, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT w.id, w.balance,
		       COALESCE(SUM(CASE WHEN t.type = 'spend' THEN -t.amount ELSE t.amount END)
		                FILTER (WHERE t.status = 'completed'), 0)
		FROM wallets w
		LEFT JOIN transactions t ON t.wallet_id = w.id
		GROUP BY w.id, w.balance
		ORDER BY w.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BalanceCheck
	for rows.Next() {
		var bc BalanceCheck
		if err := rows.Scan(&bc.WalletID, &bc.StoredBalance, &bc.LedgerBalance); err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*Wallet, error) {
	var w Wallet
	var status string
	if err := s.Scan(&w.ID, &w.OwnerID, &w.AgentID, &w.Balance, &status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = WalletStatus(status)
	return &w, nil
}

func scanWallets(rows *sql.Rows) ([]*Wallet, error) {
	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanTransaction(s scanner) (*Transaction, error) {
	var (
		t           Transaction
		typ, status string
		completedAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.WalletID, &typ, &t.Amount, &t.Merchant, &t.Description, &t.Reference,
		&status, &t.FailureReason, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}
