package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/pagination"
)

// MemoryStore is an in-memory ledger for tests and demo mode. One mutex
// covers wallets and entries so a debit and its entry land together.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	txs     map[string]*Transaction
	order   []string // tx ids in insertion order
	credits map[string]string
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txs:     make(map[string]*Transaction),
		credits: make(map[string]string),
		now:     time.Now,
	}
}

// WithClock replaces the time source stamped on entries.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CreateWallet(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWallets(_ context.Context, limit int) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListWalletsByOwner(_ context.Context, ownerID string) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetWalletStatus(_ context.Context, id string, status WalletStatus) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = m.now().UTC()
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Debit(_ context.Context, in DebitInput) (*Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[in.WalletID]
	switch {
	case !ok:
		return nil, 0, ErrWalletNotFound
	case w.Status != WalletActive:
		return nil, 0, ErrWalletFrozen
	case w.Balance < in.Amount:
		return nil, 0, ErrInsufficientFunds
	}

	now := m.now().UTC()
	var tx *Transaction
	if in.TransactionID != "" {
		existing, ok := m.txs[in.TransactionID]
		if !ok || existing.WalletID != in.WalletID || existing.Status != TxPending {
			return nil, 0, ErrTransactionNotPending
		}
		tx = existing
	} else {
		tx = &Transaction{
			ID:          idgen.WithPrefix(idgen.PrefixTransaction),
			WalletID:    in.WalletID,
			Type:        TxSpend,
			Amount:      in.Amount,
			Merchant:    in.Merchant,
			Description: in.Description,
			Reference:   in.Reference,
			CreatedAt:   now,
		}
		m.txs[tx.ID] = tx
		m.order = append(m.order, tx.ID)
	}
	tx.Status = TxCompleted
	tx.CompletedAt = &now

	w.Balance -= in.Amount
	w.UpdatedAt = now

	cp := *tx
	return &cp, w.Balance, nil
}

func (m *MemoryStore) Credit(_ context.Context, in CreditInput) (*Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[in.WalletID]
	if !ok {
		return nil, 0, ErrWalletNotFound
	}
	if in.Reference != "" {
		if _, dup := m.credits[in.Reference]; dup {
			return nil, 0, ErrDuplicateCredit
		}
	}

	now := m.now().UTC()
	tx := &Transaction{
		ID:          idgen.WithPrefix(idgen.PrefixTransaction),
		WalletID:    in.WalletID,
		Type:        in.Type,
		Amount:      in.Amount,
		Description: in.Description,
		Reference:   in.Reference,
		Status:      TxCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	m.txs[tx.ID] = tx
	m.order = append(m.order, tx.ID)
	if in.Reference != "" {
		m.credits[in.Reference] = tx.ID
	}
	w.Balance += in.Amount
	w.UpdatedAt = now

	cp := *tx
	return &cp, w.Balance, nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[tx.WalletID]; !ok {
		return ErrWalletNotFound
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) MarkTransactionFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != TxPending {
		return ErrTransactionNotPending
	}
	tx.Status = TxFailed
	tx.FailureReason = reason
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, walletID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.WalletID != walletID {
			continue
		}
		if before != nil && !olderThan(tx, before) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether tx sorts strictly after c in newest-first order.
func olderThan(tx *Transaction, c *pagination.Cursor) bool {
	if !tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.CreatedAt.Before(c.CreatedAt)
	}
	return tx.ID < c.ID
}

func (m *MemoryStore) SumSpend(_ context.Context, walletIDs []string, since, pendingSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(walletIDs))
	for _, id := range walletIDs {
		want[id] = true
	}
	var total int64
	for _, tx := range m.txs {
		if !want[tx.WalletID] || tx.Type != TxSpend {
			continue
		}
		switch tx.Status {
		case TxCompleted:
			if tx.CompletedAt != nil && !tx.CompletedAt.Before(since) {
				total += tx.Amount
			}
		case TxPending:
			if !tx.CreatedAt.Before(since) && !tx.CreatedAt.Before(pendingSince) {
				total += tx.Amount
			}
		}
	}
	return total, nil
}

func (m *MemoryStore) LedgerBalances(_ context.Context) ([]BalanceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	derived := make(map[string]int64, len(m.wallets))
	for _, tx := range m.txs {
		if tx.Status != TxCompleted {
			continue
		}
		if tx.Type.IsCredit() {
			derived[tx.WalletID] += tx.Amount
		} else {
			derived[tx.WalletID] -= tx.Amount
		}
	}
	out := make([]BalanceCheck, 0, len(m.wallets))
	for id, w := range m.wallets {
		out = append(out, BalanceCheck{WalletID: id, StoredBalance: w.Balance, LedgerBalance: derived[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out, nil
}

// setBalance overwrites a stored balance without a ledger entry. Tests use
// it to simulate drift.
func (m *MemoryStore) setBalance(id string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[id]; ok {
		w.Balance = balance
	}
}
