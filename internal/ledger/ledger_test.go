package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, balance int64) (*Ledger, *MemoryStore, *Wallet) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, nil)
	w, err := l.CreateWallet(context.Background(), "owner_1", "agent_1")
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.Credit(context.Background(), CreditInput{WalletID: w.ID, Amount: balance, Type: TxTopup, Reference: "seed_" + w.ID})
		require.NoError(t, err)
	}
	return l, store, w
}

func TestSettle_DebitsAndRecords(t *testing.T) {
	l, _, w := newTestLedger(t, 10_000_000)
	ctx := context.Background()

	s, err := l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 3_000_000, Merchant: "m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), s.NewBalance)
	assert.Equal(t, TxCompleted, s.Transaction.Status)
	assert.Equal(t, TxSpend, s.Transaction.Type)
	require.NotNil(t, s.Transaction.CompletedAt)

	got, _ := l.GetWallet(ctx, w.ID)
	assert.Equal(t, int64(7_000_000), got.Balance)
}

func TestSettle_FailuresHaveNoSideEffects(t *testing.T) {
	l, _, w := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	_, err := l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 1_000_001})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Settle(ctx, DebitInput{WalletID: "wal_missing", Amount: 1})
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = l.SetWalletStatus(ctx, w.ID, WalletFrozen)
	require.NoError(t, err)
	_, err = l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 1})
	assert.ErrorIs(t, err, ErrWalletFrozen)

	_, err = l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, _ := l.GetWallet(ctx, w.ID)
	assert.Equal(t, int64(1_000_000), got.Balance)
	txs, _ := l.Transactions(ctx, w.ID, 0)
	assert.Len(t, txs, 1, "only the seed credit exists")
}

func TestSettle_ExactBalanceDrainsToZero(t *testing.T) {
	l, _, w := newTestLedger(t, 2_500_000)
	s, err := l.Settle(context.Background(), DebitInput{WalletID: w.ID, Amount: 2_500_000})
	require.NoError(t, err)
	assert.Zero(t, s.NewBalance)
}

func TestSettle_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	const (
		balance = 10_000_000
		amount  = 3_000_000
		workers = 16
	)
	l, _, w := newTestLedger(t, balance)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Settle(context.Background(), DebitInput{WalletID: w.ID, Amount: amount})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(balance/amount), ok.Load())
	assert.Equal(t, int32(workers-balance/amount), insufficient.Load())

	got, _ := l.GetWallet(context.Background(), w.ID)
	assert.Equal(t, int64(balance-int64(ok.Load())*amount), got.Balance)
	assert.GreaterOrEqual(t, got.Balance, int64(0))
}

func TestReserveThenSettlePending(t *testing.T) {
	l, _, w := newTestLedger(t, 5_000_000)
	ctx := context.Background()

	pending, err := l.Reserve(ctx, DebitInput{WalletID: w.ID, Amount: 3_000_000, Description: "Headphones"})
	require.NoError(t, err)
	assert.Equal(t, TxPending, pending.Status)

	got, _ := l.GetWallet(ctx, w.ID)
	assert.Equal(t, int64(5_000_000), got.Balance, "reserve does not move money")

	s, err := l.SettlePending(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, s.Transaction.ID)
	assert.Equal(t, TxCompleted, s.Transaction.Status)
	assert.Equal(t, int64(2_000_000), s.NewBalance)

	_, err = l.SettlePending(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrTransactionNotPending)
}

func TestSettlePending_InsufficientLeavesEntryPending(t *testing.T) {
	l, store, w := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	pending, err := l.Reserve(ctx, DebitInput{WalletID: w.ID, Amount: 3_000_000})
	require.NoError(t, err)
	_, err = l.SettlePending(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	tx, err := store.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, TxPending, tx.Status)

	require.NoError(t, l.MarkFailed(ctx, pending.ID, "insufficient_funds"))
	tx, _ = store.GetTransaction(ctx, pending.ID)
	assert.Equal(t, TxFailed, tx.Status)
	assert.Equal(t, "insufficient_funds", tx.FailureReason)

	assert.NoError(t, l.MarkFailed(ctx, pending.ID, "again"), "already failed is not an error")
	assert.ErrorIs(t, l.MarkFailed(ctx, "tx_missing", "x"), ErrTransactionNotFound)
}

func TestCredit_IdempotentOnReference(t *testing.T) {
	l, _, w := newTestLedger(t, 0)
	ctx := context.Background()

	s, err := l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 5_000_000, Type: TxTopup, Reference: "cs_123"})
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), s.NewBalance)

	_, err = l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 5_000_000, Type: TxTopup, Reference: "cs_123"})
	assert.ErrorIs(t, err, ErrDuplicateCredit)

	got, _ := l.GetWallet(ctx, w.ID)
	assert.Equal(t, int64(5_000_000), got.Balance)
}

func TestCredit_FrozenWalletStillReceives(t *testing.T) {
	l, _, w := newTestLedger(t, 0)
	ctx := context.Background()
	_, _ = l.SetWalletStatus(ctx, w.ID, WalletFrozen)

	s, err := l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 1, Type: TxPayment})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.NewBalance)
}

func TestCumulativeSpend_CalendarWindows(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 2, 0, 0, 0, loc) // first of the month, 2am local
	store := NewMemoryStore()
	l := New(store, nil)
	ctx := context.Background()
	w, _ := l.CreateWallet(ctx, "owner_1", "agent_1")
	_, _ = l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 100_000_000, Type: TxTopup})

	// Spend late in February (local), then early on March 1st.
	store.WithClock(func() time.Time { return time.Date(2026, 2, 28, 23, 0, 0, 0, loc) })
	_, err = l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 4_000_000})
	require.NoError(t, err)
	store.WithClock(func() time.Time { return clock.Add(-time.Hour) })
	_, err = l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 1_000_000})
	require.NoError(t, err)

	l.WithClock(func() time.Time { return clock })
	spend, err := l.CumulativeSpend(ctx, []string{w.ID}, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), spend.DailyMicro)
	assert.Equal(t, int64(1_000_000), spend.MonthlyMicro)

	// In UTC the February spend (04:00Z on Mar 1) lands on the same day.
	spend, err = l.CumulativeSpend(ctx, []string{w.ID}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), spend.DailyMicro)
}

func TestCumulativeSpend_CountsPendingIgnoresFailed(t *testing.T) {
	l, _, w := newTestLedger(t, 10_000_000)
	ctx := context.Background()

	_, err := l.Reserve(ctx, DebitInput{WalletID: w.ID, Amount: 2_000_000})
	require.NoError(t, err)
	failed, _ := l.Reserve(ctx, DebitInput{WalletID: w.ID, Amount: 3_000_000})
	require.NoError(t, l.MarkFailed(ctx, failed.ID, "rejected"))
	_, err = l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 1_000_000})
	require.NoError(t, err)

	spend, err := l.CumulativeSpend(ctx, []string{w.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), spend.DailyMicro)
	assert.Equal(t, int64(3_000_000), spend.MonthlyMicro)
}

func TestCumulativeSpend_ReservationWindow(t *testing.T) {
	clock := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return clock })
	l := New(store, nil).WithReservationWindow(15 * time.Minute)
	ctx := context.Background()
	w, _ := l.CreateWallet(ctx, "owner_1", "agent_1")
	_, _ = l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 10_000_000, Type: TxTopup})

	_, err := l.Reserve(ctx, DebitInput{WalletID: w.ID, Amount: 2_000_000})
	require.NoError(t, err)

	l.WithClock(func() time.Time { return clock.Add(10 * time.Minute) })
	spend, err := l.CumulativeSpend(ctx, []string{w.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), spend.DailyMicro)

	l.WithClock(func() time.Time { return clock.Add(16 * time.Minute) })
	spend, err = l.CumulativeSpend(ctx, []string{w.ID}, nil)
	require.NoError(t, err)
	assert.Zero(t, spend.DailyMicro, "stale reservation no longer holds budget")
}

func TestOwnerWalletIDs(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()
	a, _ := l.CreateWallet(ctx, "owner_1", "agent_a")
	b, _ := l.CreateWallet(ctx, "owner_1", "agent_b")
	_, _ = l.CreateWallet(ctx, "owner_2", "agent_c")

	ids, err := l.OwnerWalletIDs(ctx, "owner_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestLedgerBalances_DetectsDrift(t *testing.T) {
	l, store, w := newTestLedger(t, 5_000_000)
	ctx := context.Background()
	_, err := l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 1_000_000})
	require.NoError(t, err)

	checks, err := store.LedgerBalances(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, checks[0].StoredBalance, checks[0].LedgerBalance)

	store.setBalance(w.ID, 9_999_999)
	checks, _ = store.LedgerBalances(ctx)
	assert.Equal(t, int64(9_999_999), checks[0].StoredBalance)
	assert.Equal(t, int64(4_000_000), checks[0].LedgerBalance)
}

func TestTransactionPage_WalksAllEntriesOnce(t *testing.T) {
	store := NewMemoryStore()
	// A frozen clock forces every entry onto the same timestamp, so only
	// the id tie-break keeps pages disjoint.
	fixed := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return fixed })
	l := New(store, nil).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	w, err := l.CreateWallet(ctx, "owner_1", "agent_1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, CreditInput{WalletID: w.ID, Amount: 10_000_000, Type: TxTopup, Reference: "seed"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Settle(ctx, DebitInput{WalletID: w.ID, Amount: 100_000})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		txs, next, err := l.TransactionPage(ctx, w.ID, 2, cursor)
		require.NoError(t, err)
		pages++
		for _, tx := range txs {
			assert.False(t, seen[tx.ID], "entry %s returned twice", tx.ID)
			seen[tx.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestTransactionPage_RejectsBadCursor(t *testing.T) {
	l, _, w := newTestLedger(t, 1_000_000)
	_, _, err := l.TransactionPage(context.Background(), w.ID, 10, "not-a-cursor!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
