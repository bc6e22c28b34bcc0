// Package ledger holds wallet balances and the transaction ledger, and
// executes settlement.
//
// A debit is a single conditional write: the balance only moves when the
// wallet is active and holds at least the amount, and the ledger entry is
// written in the same database transaction. A debit that cannot apply
// changes nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/guardrail"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
	"github.com/mbd888/spendgate/internal/retry"
	"github.com/mbd888/spendgate/internal/traces"
)

var (
	ErrWalletNotFound        = errors.New("ledger: wallet not found")
	ErrWalletFrozen          = errors.New("ledger: wallet frozen")
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrDuplicateCredit       = errors.New("ledger: credit already recorded")
	ErrTransactionNotFound   = errors.New("ledger: transaction not found")
	ErrTransactionNotPending = errors.New("ledger: transaction not pending")
	ErrInvalidCursor         = errors.New("ledger: invalid cursor")
)

// WalletStatus gates debits. Credits apply in either state.
type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletFrozen WalletStatus = "frozen"
)

// Wallet is a balance owned by an account owner and spent by one agent.
type Wallet struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"ownerId"`
	AgentID   string       `json:"agentId"`
	Balance   int64        `json:"balanceMicro"`
	Status    WalletStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// TxType classifies ledger entries.
type TxType string

const (
	TxSpend   TxType = "spend"
	TxTopup   TxType = "topup"
	TxPayment TxType = "payment"
	TxRefund  TxType = "refund"
)

// IsCredit reports whether the entry adds to the balance.
func (t TxType) IsCredit() bool { return t != TxSpend }

// TxStatus is the settlement state of a ledger entry.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one ledger entry, in micro-units.
type Transaction struct {
	ID            string     `json:"id"`
	WalletID      string     `json:"walletId"`
	Type          TxType     `json:"type"`
	Amount        int64      `json:"amountMicro"`
	Merchant      string     `json:"merchant,omitempty"`
	Description   string     `json:"description,omitempty"`
	Reference     string     `json:"reference,omitempty"`
	Status        TxStatus   `json:"status"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// DebitInput describes a spend. When TransactionID is set, the existing
// pending entry is completed instead of a new one being written.
type DebitInput struct {
	WalletID      string
	Amount        int64
	TransactionID string
	Merchant      string
	Description   string
	Reference     string
}

// CreditInput describes money arriving in a wallet. A non-empty Reference
// makes the credit idempotent.
type CreditInput struct {
	WalletID    string
	Amount      int64
	Type        TxType
	Description string
	Reference   string
}

// BalanceCheck pairs a wallet's stored balance with the balance implied by
// its completed ledger entries.
type BalanceCheck struct {
	WalletID      string `json:"walletId"`
	StoredBalance int64  `json:"storedBalanceMicro"`
	LedgerBalance int64  `json:"ledgerBalanceMicro"`
}

// Store persists wallets and ledger entries.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	ListWallets(ctx context.Context, limit int) ([]*Wallet, error)
	ListWalletsByOwner(ctx context.Context, ownerID string) ([]*Wallet, error)
	SetWalletStatus(ctx context.Context, id string, status WalletStatus) (*Wallet, error)

	// Debit atomically decrements the balance and records the entry. On
	// ErrInsufficientFunds, ErrWalletFrozen or ErrWalletNotFound nothing
	// was written.
	Debit(ctx context.Context, in DebitInput) (*Transaction, int64, error)
	Credit(ctx context.Context, in CreditInput) (*Transaction, int64, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	MarkTransactionFailed(ctx context.Context, id, reason string) error
	// ListTransactions returns entries newest first, ordered by (created_at, id),
	// starting strictly after before when it is set.
	ListTransactions(ctx context.Context, walletID string, limit int, before *pagination.Cursor) ([]*Transaction, error)

	// SumSpend totals spend across walletIDs: completed entries completed at
	// or after since, plus pending entries created at or after both since and
	// pendingSince. A zero pendingSince puts no extra bound on pending entries.
	SumSpend(ctx context.Context, walletIDs []string, since, pendingSince time.Time) (int64, error)
	LedgerBalances(ctx context.Context) ([]BalanceCheck, error)
}

// Settlement is the result of a successful balance movement.
type Settlement struct {
	Transaction *Transaction `json:"transaction"`
	NewBalance  int64        `json:"newBalanceMicro"`
}

// Ledger is the settlement executor.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// Pending spends older than this no longer hold budget.
	reservationWindow time.Duration
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for budget windows.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithReservationWindow bounds how long a pending spend counts toward
// cumulative spend. It should match the approval TTL. Zero means pending
// spends count for as long as they stay pending.
func (l *Ledger) WithReservationWindow(d time.Duration) *Ledger {
	if d > 0 {
		l.reservationWindow = d
	}
	return l
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store { return l.store }

// CreateWallet opens an active wallet with a zero balance.
func (l *Ledger) CreateWallet(ctx context.Context, ownerID, agentID string) (*Wallet, error) {
	now := l.now().UTC()
	w := &Wallet{
		ID:        idgen.WithPrefix(idgen.PrefixWallet),
		OwnerID:   ownerID,
		AgentID:   agentID,
		Status:    WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

// GetWallet returns a wallet.
func (l *Ledger) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return l.store.GetWallet(ctx, id)
}

// SetWalletStatus freezes or unfreezes a wallet.
func (l *Ledger) SetWalletStatus(ctx context.Context, id string, status WalletStatus) (*Wallet, error) {
	return l.store.SetWalletStatus(ctx, id, status)
}

// Settle debits a wallet and records a completed spend entry.
func (l *Ledger) Settle(ctx context.Context, in DebitInput) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Settle",
		traces.WalletID(in.WalletID), traces.Amount(in.Amount))
	defer span.End()

	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("debit")
	tx, balance, err := l.store.Debit(ctx, in)
	done()
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(settlementResult(err)).Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("completed").Inc()
	return &Settlement{Transaction: tx, NewBalance: balance}, nil
}

// SettlePending completes a pending spend entry created earlier.
func (l *Ledger) SettlePending(ctx context.Context, txID string) (*Settlement, error) {
	tx, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != TxPending {
		return nil, ErrTransactionNotPending
	}
	return l.Settle(ctx, DebitInput{
		WalletID:      tx.WalletID,
		Amount:        tx.Amount,
		TransactionID: tx.ID,
		Merchant:      tx.Merchant,
		Description:   tx.Description,
		Reference:     tx.Reference,
	})
}

// Reserve records a pending spend entry without moving money.
func (l *Ledger) Reserve(ctx context.Context, in DebitInput) (*Transaction, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx := &Transaction{
		ID:          idgen.WithPrefix(idgen.PrefixTransaction),
		WalletID:    in.WalletID,
		Type:        TxSpend,
		Amount:      in.Amount,
		Merchant:    in.Merchant,
		Description: in.Description,
		Reference:   in.Reference,
		Status:      TxPending,
		CreatedAt:   l.now().UTC(),
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return tx, nil
}

// Credit adds money to a wallet. Replaying a reference returns ErrDuplicateCredit.
func (l *Ledger) Credit(ctx context.Context, in CreditInput) (*Settlement, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Type == "" {
		in.Type = TxTopup
	}
	done := observeOp("credit")
	tx, balance, err := l.store.Credit(ctx, in)
	done()
	if err != nil {
		return nil, err
	}
	return &Settlement{Transaction: tx, NewBalance: balance}, nil
}

// MarkFailed moves a pending entry to failed. Transient store errors are
// retried; an entry that already left pending is left alone.
func (l *Ledger) MarkFailed(ctx context.Context, txID, reason string) error {
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := l.store.MarkTransactionFailed(ctx, txID, reason)
		if errors.Is(err, ErrTransactionNotPending) || errors.Is(err, ErrTransactionNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil && !errors.Is(err, ErrTransactionNotPending) {
		l.logger.Error("failed to mark transaction failed", "tx_id", txID, "reason", reason, "error", err)
		return err
	}
	return nil
}

// Transactions lists a wallet's ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, walletID, limit, nil)
}

// TransactionPage lists one page of a wallet's entries, newest first.
// cursor is the opaque value returned as next by the previous page.
func (l *Ledger) TransactionPage(ctx context.Context, walletID string, limit int, cursor string) (txs []*Transaction, next string, err error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	txs, err = l.store.ListTransactions(ctx, walletID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	txs, next, _ = pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txs, next, nil
}

// CumulativeSpend returns spend across walletIDs for the current calendar
// day and month in loc. Spends parked for approval count alongside completed
// ones, so a run of parked requests cannot approve past a budget together.
func (l *Ledger) CumulativeSpend(ctx context.Context, walletIDs []string, loc *time.Location) (guardrail.Spend, error) {
	if loc == nil {
		loc = time.UTC
	}
	now := l.now()
	dayStart, monthStart := windowStarts(now, loc)
	var pendingSince time.Time
	if l.reservationWindow > 0 {
		pendingSince = now.Add(-l.reservationWindow)
	}

	daily, err := l.store.SumSpend(ctx, walletIDs, dayStart, pendingSince)
	if err != nil {
		return guardrail.Spend{}, fmt.Errorf("daily spend: %w", err)
	}
	monthly, err := l.store.SumSpend(ctx, walletIDs, monthStart, pendingSince)
	if err != nil {
		return guardrail.Spend{}, fmt.Errorf("monthly spend: %w", err)
	}
	return guardrail.Spend{DailyMicro: daily, MonthlyMicro: monthly}, nil
}

// OwnerWalletIDs returns the ids of every wallet belonging to ownerID.
func (l *Ledger) OwnerWalletIDs(ctx context.Context, ownerID string) ([]string, error) {
	wallets, err := l.store.ListWalletsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(wallets))
	for i, w := range wallets {
		ids[i] = w.ID
	}
	return ids, nil
}

func windowStarts(now time.Time, loc *time.Location) (day, month time.Time) {
	local := now.In(loc)
	day = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	month = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return day, month
}

func settlementResult(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletFrozen):
		return "wallet_frozen"
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	default:
		return "error"
	}
}
