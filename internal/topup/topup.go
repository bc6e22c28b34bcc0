// Package topup credits wallets from completed card checkouts.
//
// The on-ramp itself is external: a hosted Stripe Checkout page collects the
// card and Stripe calls back with checkout.session.completed. The session id
// is the credit reference, so replays from Stripe never double-credit.
package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/metrics"
)

var (
	ErrInvalidTopup = errors.New("topup: invalid top-up")
	ErrDuplicate    = errors.New("topup: already credited")
)

// EventEmitter receives completed top-ups.
type EventEmitter interface {
	EmitTopupCompleted(ctx context.Context, agentID, walletID string, amount, newBalance int64, reference string)
}

// Topup is a funded checkout ready to be credited.
type Topup struct {
	WalletID    string
	AmountMicro int64
	Reference   string
}

// Service turns funded checkouts into ledger credits.
type Service struct {
	ledger *ledger.Ledger
	events EventEmitter
	logger *slog.Logger
}

// NewService creates a top-up service. events may be nil.
func NewService(l *ledger.Ledger, events EventEmitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, events: events, logger: logger}
}

// Credit records t once. A replayed reference returns ErrDuplicate.
func (s *Service) Credit(ctx context.Context, t Topup) (*ledger.Settlement, error) {
	if t.WalletID == "" || t.Reference == "" || t.AmountMicro <= 0 {
		return nil, ErrInvalidTopup
	}
	w, err := s.ledger.GetWallet(ctx, t.WalletID)
	if err != nil {
		return nil, err
	}
	st, err := s.ledger.Credit(ctx, ledger.CreditInput{
		WalletID:    w.ID,
		Amount:      t.AmountMicro,
		Type:        ledger.TxTopup,
		Description: "card top-up",
		Reference:   t.Reference,
	})
	if errors.Is(err, ledger.ErrDuplicateCredit) {
		metrics.TopupsTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicate
	}
	if err != nil {
		metrics.TopupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("credit top-up: %w", err)
	}
	metrics.TopupsTotal.WithLabelValues("credited").Inc()

	s.logger.Info("wallet topped up",
		"wallet_id", w.ID, "amount", t.AmountMicro, "reference", t.Reference, "balance", st.NewBalance)
	if s.events != nil {
		s.events.EmitTopupCompleted(ctx, w.AgentID, w.ID, t.AmountMicro, st.NewBalance, t.Reference)
	}
	return st, nil
}
