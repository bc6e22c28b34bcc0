package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
)

// ExpiryHook runs once for each record this process transitions to expired.
type ExpiryHook func(ctx context.Context, r *Record)

// Manager owns the approval state machine. Expiry is lazy: it is enforced
// whenever a record is read or decided, never by a background sweep.
type Manager struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	onExpire ExpiryHook
	logger   *slog.Logger
}

// NewManager creates an approval manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
}

// WithTTL sets the default time a request stays pending.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithExpiryHook registers the callback fired after a lazy expiry wins.
func (m *Manager) WithExpiryHook(fn ExpiryHook) *Manager {
	m.onExpire = fn
	return m
}

// Create opens a pending approval with ExpiresAt = now + TTL.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if strings.TrimSpace(in.WalletID) == "" {
		return nil, fmt.Errorf("approval: wallet id is required")
	}
	if in.AmountMicro <= 0 {
		return nil, fmt.Errorf("approval: amount must be positive")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC()
	r := &Record{
		ID:             idgen.WithPrefix(idgen.PrefixApproval),
		WalletID:       in.WalletID,
		AgentID:        in.AgentID,
		OwnerID:        in.OwnerID,
		TransactionID:  in.TransactionID,
		AmountMicro:    in.AmountMicro,
		ProductName:    in.ProductName,
		ProductLocator: in.ProductLocator,
		Merchant:       in.Merchant,
		Status:         StatusPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := m.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return r, nil
}

// IsExpired reports whether the record's deadline has strictly passed.
func (m *Manager) IsExpired(r *Record) bool {
	return m.now().After(r.ExpiresAt)
}

// Get returns a record. A pending record past its deadline is transitioned
// to expired before it is returned.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusPending && m.IsExpired(r) {
		return m.expire(ctx, r)
	}
	return r, nil
}

// ListByWallet returns a wallet's approvals, newest first. Pending records
// past their deadline are expired on the way out.
func (m *Manager) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Record, error) {
	records, err := m.store.ListByWallet(ctx, walletID, limit)
	if err != nil {
		return nil, err
	}
	for i, r := range records {
		if r.Status == StatusPending && m.IsExpired(r) {
			expired, err := m.expire(ctx, r)
			if err != nil {
				return nil, err
			}
			records[i] = expired
		}
	}
	return records, nil
}

// Decide applies a human verdict. It fails with ErrAlreadyDecided when the
// record is no longer pending (including when a concurrent decider won) and
// with ErrExpired, after recording the expiry, when the deadline has passed.
func (m *Manager) Decide(ctx context.Context, id string, d Decision, decidedBy string) (*Record, error) {
	to, err := d.status()
	if err != nil {
		return nil, err
	}
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}
	if m.IsExpired(r) {
		if _, err := m.expire(ctx, r); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	decided, err := m.store.Transition(ctx, id, to, m.now().UTC(), decidedBy)
	switch {
	case errors.Is(err, ErrNotPending):
		return nil, ErrAlreadyDecided
	case errors.Is(err, ErrExpired):
		// The deadline passed between the read and the write.
		if _, err := m.expire(ctx, r); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("approval: decide: %w", err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Info("approval decided", "approval_id", id, "status", to, "decided_by", decidedBy)
	return decided, nil
}

// expire transitions r to expired. Only the caller whose conditional write
// wins fires the hook; losers reload and return whatever state won.
func (m *Manager) expire(ctx context.Context, r *Record) (*Record, error) {
	expired, err := m.store.Transition(ctx, r.ID, StatusExpired, m.now().UTC(), "system")
	if errors.Is(err, ErrNotPending) {
		return m.store.Get(ctx, r.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: expire: %w", err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	m.logger.Info("approval expired", "approval_id", r.ID, "wallet_id", r.WalletID)
	if m.onExpire != nil {
		m.onExpire(ctx, expired)
	}
	return expired, nil
}
