// Package reconciliation compares stored wallet balances against ledger totals.
//
// A wallet's stored balance must equal its completed credits minus its
// completed debits. Drift is reported, logged and exported; it is never
// auto-corrected, since the fix needs a human to decide which side is wrong.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/usdc"
)

// BalanceSource lists stored and ledger-implied balances for every wallet.
type BalanceSource interface {
	LedgerBalances(ctx context.Context) ([]ledger.BalanceCheck, error)
}

// Mismatch is one drifted wallet. Drift is stored minus ledger.
type Mismatch struct {
	WalletID      string `json:"walletId"`
	StoredBalance int64  `json:"storedBalanceMicro"`
	LedgerBalance int64  `json:"ledgerBalanceMicro"`
	Drift         int64  `json:"driftMicro"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt      time.Time  `json:"startedAt"`
	DurationMs     int64      `json:"durationMs"`
	WalletsChecked int        `json:"walletsChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
	Healthy        bool       `json:"healthy"`
}

// Service performs reconciliation runs.
type Service struct {
	source BalanceSource
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(source BalanceSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run checks every wallet once.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	checks, err := s.source.LedgerBalances(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("reconciliation: load balances: %w", err)
	}

	report := &Report{
		StartedAt:      start.UTC(),
		WalletsChecked: len(checks),
		Mismatches:     []Mismatch{},
	}
	for _, c := range checks {
		if c.StoredBalance == c.LedgerBalance {
			continue
		}
		m := Mismatch{
			WalletID:      c.WalletID,
			StoredBalance: c.StoredBalance,
			LedgerBalance: c.LedgerBalance,
			Drift:         c.StoredBalance - c.LedgerBalance,
		}
		report.Mismatches = append(report.Mismatches, m)
		s.logger.Error("CRITICAL: wallet balance drifted from ledger",
			"wallet_id", m.WalletID,
			"stored", usdc.Format(m.StoredBalance),
			"ledger", usdc.Format(m.LedgerBalance),
			"drift", usdc.Format(m.Drift))
	}
	report.Healthy = len(report.Mismatches) == 0

	elapsed := s.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if report.Healthy {
		s.logger.Debug("reconciliation clean", "wallets", report.WalletsChecked)
	}
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
