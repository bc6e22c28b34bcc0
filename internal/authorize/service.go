package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/approval"
	"github.com/mbd888/spendgate/internal/guardrail"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/syncutil"
	"github.com/mbd888/spendgate/internal/traces"
)

// DefaultTokenGrace keeps a capability token verifiable for a while after
// the approval expires, so a late click gets "expired" instead of "forbidden".
const DefaultTokenGrace = 24 * time.Hour

// Service is the authorization pipeline.
type Service struct {
	policies   guardrail.Store
	ledger     *ledger.Ledger
	approvals  *approval.Manager
	events     EventEmitter
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
	secret     []byte
	tokenGrace time.Duration
	lowBalance int64

	// Narrows the budget-check-then-debit window for one wallet within this
	// process. The debit itself is guarded by the store.
	walletLocks syncutil.ShardedMutex
}

// NewService wires the pipeline. nil events or notifier fall back to no-ops.
// The service registers itself as the approval manager's expiry hook.
func NewService(policies guardrail.Store, l *ledger.Ledger, approvals *approval.Manager,
	events EventEmitter, notifier Notifier, logger *slog.Logger) *Service {
	if events == nil {
		events = nopEmitter{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		policies:   policies,
		ledger:     l,
		approvals:  approvals,
		events:     events,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		tokenGrace: DefaultTokenGrace,
	}
	approvals.WithExpiryHook(s.onApprovalExpired)
	return s
}

// WithTokenSecret sets the HMAC key for approval capability tokens.
func (s *Service) WithTokenSecret(secret []byte) *Service {
	s.secret = secret
	return s
}

// WithTokenGrace sets how long past expiry a token still verifies.
func (s *Service) WithTokenGrace(d time.Duration) *Service {
	if d >= 0 {
		s.tokenGrace = d
	}
	return s
}

// WithLowBalanceThreshold enables wallet.balance.low when a debit takes the
// balance from at or above threshold to below it. Zero disables it.
func (s *Service) WithLowBalanceThreshold(micro int64) *Service {
	s.lowBalance = micro
	return s
}

// WithClock replaces the time source used for tokens.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Authorize evaluates and, when allowed, settles one spend request.
func (s *Service) Authorize(ctx context.Context, req SpendRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "authorize.Authorize",
		traces.WalletID(req.WalletID), traces.Amount(req.AmountMicro))
	defer span.End()

	if req.AmountMicro <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.walletLocks.Lock(req.WalletID)
	defer unlock()

	res, err := s.authorize(ctx, req)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Outcome(string(res.Outcome)))
	metrics.AuthorizationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (s *Service) authorize(ctx context.Context, req SpendRequest) (*Result, error) {
	w, err := s.ledger.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if w.Status == ledger.WalletFrozen {
		return s.decline(ctx, w, req, OutcomeBlocked, ReasonWalletFrozen, nil), nil
	}

	greq := guardrail.Request{
		AmountMicro: req.AmountMicro,
		Merchant:    req.Merchant,
		ResourceURL: req.ResourceURL,
	}

	// Owner tier first: it can only block.
	master, err := s.policies.GetMasterPolicy(ctx, w.OwnerID)
	switch {
	case err == nil:
		ids, err := s.ledger.OwnerWalletIDs(ctx, w.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("owner wallets: %w", err)
		}
		spend, err := s.ledger.CumulativeSpend(ctx, ids, master.Location())
		if err != nil {
			return nil, err
		}
		d := guardrail.EvaluateMaster(master, greq, spend)
		recordDecision(d)
		if d.Outcome == guardrail.OutcomeBlock {
			return s.decline(ctx, w, req, OutcomeBlocked, d.Reason, &d), nil
		}
	case !errors.Is(err, guardrail.ErrPolicyNotFound):
		return nil, fmt.Errorf("master policy: %w", err)
	}

	policy, err := s.policies.GetAgentPolicy(ctx, w.AgentID)
	if errors.Is(err, guardrail.ErrPolicyNotFound) {
		return s.decline(ctx, w, req, OutcomeBlocked, ReasonNoPolicy, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent policy: %w", err)
	}
	spend, err := s.ledger.CumulativeSpend(ctx, []string{w.ID}, policy.Location())
	if err != nil {
		return nil, err
	}
	d := guardrail.Evaluate(policy, greq, spend)
	recordDecision(d)

	switch d.Outcome {
	case guardrail.OutcomeAllow:
		return s.settle(ctx, w, policy, req, &d)
	case guardrail.OutcomeRequireApproval:
		return s.park(ctx, w, req, &d)
	default:
		return s.decline(ctx, w, req, OutcomeBlocked, d.Reason, &d), nil
	}
}

func (s *Service) settle(ctx context.Context, w *ledger.Wallet, policy *guardrail.Policy, req SpendRequest, d *guardrail.Decision) (*Result, error) {
	st, err := s.ledger.Settle(ctx, ledger.DebitInput{
		WalletID:    w.ID,
		Amount:      req.AmountMicro,
		Merchant:    req.Merchant,
		Description: describe(req),
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return s.decline(ctx, w, req, OutcomeDeclined, ReasonInsufficientFunds, d), nil
	case errors.Is(err, ledger.ErrWalletFrozen):
		return s.decline(ctx, w, req, OutcomeBlocked, ReasonWalletFrozen, d), nil
	case err != nil:
		return nil, fmt.Errorf("settle: %w", err)
	}

	s.events.EmitSpendAuthorized(ctx, w.AgentID, w.ID, st.Transaction.ID, req.AmountMicro, st.NewBalance, req.Merchant)
	s.afterDebit(ctx, w, policy, req.AmountMicro, st.NewBalance)
	return &Result{
		Outcome:     OutcomeAllowed,
		Decision:    d,
		Transaction: st.Transaction,
		NewBalance:  balancePtr(st.NewBalance),
	}, nil
}

// park records a pending ledger entry and an approval, then tells the owner.
func (s *Service) park(ctx context.Context, w *ledger.Wallet, req SpendRequest, d *guardrail.Decision) (*Result, error) {
	tx, err := s.ledger.Reserve(ctx, ledger.DebitInput{
		WalletID:    w.ID,
		Amount:      req.AmountMicro,
		Merchant:    req.Merchant,
		Description: describe(req),
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.approvals.Create(ctx, approval.CreateInput{
		WalletID:       w.ID,
		AgentID:        w.AgentID,
		OwnerID:        w.OwnerID,
		TransactionID:  tx.ID,
		AmountMicro:    req.AmountMicro,
		ProductName:    req.ProductName,
		ProductLocator: req.ProductLocator,
		Merchant:       req.Merchant,
	})
	if err != nil {
		_ = s.ledger.MarkFailed(ctx, tx.ID, "approval_create_failed")
		return nil, err
	}

	token := approval.IssueToken(s.secret, rec.ID, rec.ExpiresAt.Add(s.tokenGrace))
	s.notifier.ApprovalRequested(ctx, rec, token)
	s.events.EmitApprovalRequired(ctx, w.AgentID, w.ID, rec.ID, rec.AmountMicro, rec.ExpiresAt)

	s.logger.Info("spend parked for approval",
		"wallet_id", w.ID, "approval_id", rec.ID, "amount", req.AmountMicro)
	return &Result{
		Outcome:     OutcomePendingApproval,
		Reason:      d.Reason,
		Decision:    d,
		Transaction: tx,
		Approval:    rec,
	}, nil
}

func (s *Service) decline(ctx context.Context, w *ledger.Wallet, req SpendRequest, outcome Outcome, reason string, d *guardrail.Decision) *Result {
	s.events.EmitSpendDeclined(ctx, w.AgentID, w.ID, req.AmountMicro, req.Merchant, reason)
	return &Result{Outcome: outcome, Reason: reason, Decision: d}
}

// afterDebit raises the low-balance signal and applies auto-pause.
func (s *Service) afterDebit(ctx context.Context, w *ledger.Wallet, policy *guardrail.Policy, amount, newBalance int64) {
	if s.lowBalance > 0 && newBalance < s.lowBalance && newBalance+amount >= s.lowBalance {
		s.events.EmitBalanceLow(ctx, w.AgentID, w.ID, newBalance, s.lowBalance)
	}
	if policy != nil && policy.AutoPauseOnZero && newBalance == 0 {
		if _, err := s.ledger.SetWalletStatus(ctx, w.ID, ledger.WalletFrozen); err != nil {
			s.logger.Error("auto-pause failed", "wallet_id", w.ID, "error", err)
			return
		}
		s.logger.Info("wallet auto-paused at zero balance", "wallet_id", w.ID)
		s.events.EmitWalletPaused(ctx, w.AgentID, w.ID, ReasonBalanceDepleted)
	}
}

// VerifyApprovalToken checks a decision capability for approval id.
func (s *Service) VerifyApprovalToken(id, token string) error {
	return approval.VerifyToken(s.secret, id, token, s.now())
}

// GetApproval returns an approval, expiring it first if its deadline passed.
func (s *Service) GetApproval(ctx context.Context, id string) (*approval.Record, error) {
	return s.approvals.Get(ctx, id)
}

// ResolveApproval applies a human decision. Approval settles the parked
// entry in the same call; rejection fails it. Conflicts come back as
// approval.ErrAlreadyDecided or approval.ErrExpired.
func (s *Service) ResolveApproval(ctx context.Context, id string, decision approval.Decision, decidedBy string) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "authorize.ResolveApproval", traces.ApprovalID(id))
	defer span.End()

	rec, err := s.approvals.Decide(ctx, id, decision, decidedBy)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	s.notifier.ApprovalResolved(ctx, rec)

	if rec.Status == approval.StatusRejected {
		_ = s.ledger.MarkFailed(ctx, rec.TransactionID, ReasonApprovalRejected)
		s.events.EmitPurchaseRejected(ctx, rec.AgentID, rec.WalletID, rec.ID, rec.TransactionID, rec.AmountMicro)
		return &Resolution{Approval: rec, Reason: ReasonApprovalRejected}, nil
	}

	s.events.EmitPurchaseApproved(ctx, rec.AgentID, rec.WalletID, rec.ID, rec.TransactionID, rec.AmountMicro)

	unlock := s.walletLocks.Lock(rec.WalletID)
	defer unlock()

	st, err := s.ledger.SettlePending(ctx, rec.TransactionID)
	if err != nil {
		reason := settlementFailure(err)
		_ = s.ledger.MarkFailed(ctx, rec.TransactionID, reason)
		s.events.EmitSpendDeclined(ctx, rec.AgentID, rec.WalletID, rec.AmountMicro, rec.Merchant, reason)
		if reason == ReasonSettlementError {
			traces.RecordError(span, err)
			return nil, fmt.Errorf("settle approved spend: %w", err)
		}
		s.logger.Warn("approved spend could not settle",
			"approval_id", rec.ID, "wallet_id", rec.WalletID, "reason", reason)
		return &Resolution{Approval: rec, Reason: reason}, nil
	}

	s.events.EmitSpendAuthorized(ctx, rec.AgentID, rec.WalletID, st.Transaction.ID, rec.AmountMicro, st.NewBalance, rec.Merchant)
	if w, err := s.ledger.GetWallet(ctx, rec.WalletID); err == nil {
		policy, _ := s.policies.GetAgentPolicy(ctx, w.AgentID)
		s.afterDebit(ctx, w, policy, rec.AmountMicro, st.NewBalance)
	}
	return &Resolution{
		Approval:    rec,
		Settled:     true,
		Transaction: st.Transaction,
		NewBalance:  balancePtr(st.NewBalance),
	}, nil
}

// onApprovalExpired runs once per approval, in whichever caller won the
// transition to expired.
func (s *Service) onApprovalExpired(ctx context.Context, rec *approval.Record) {
	_ = s.ledger.MarkFailed(ctx, rec.TransactionID, ReasonApprovalExpired)
	s.notifier.ApprovalResolved(ctx, rec)
	s.events.EmitPurchaseExpired(ctx, rec.AgentID, rec.WalletID, rec.ID, rec.TransactionID, rec.AmountMicro)
}

// RecordOrderEvent relays a merchant order update to the agent.
func (s *Service) RecordOrderEvent(ctx context.Context, walletID, orderID, status, detail string) error {
	switch status {
	case "shipped", "delivered", "failed":
	default:
		return ErrUnknownOrderStatus
	}
	w, err := s.ledger.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	s.events.EmitOrderEvent(ctx, w.AgentID, w.ID, orderID, status, detail)
	return nil
}

// RecordPayment credits an inbound payment, idempotent on reference.
func (s *Service) RecordPayment(ctx context.Context, walletID string, amount int64, reference string) (*ledger.Settlement, error) {
	w, err := s.ledger.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	st, err := s.ledger.Credit(ctx, ledger.CreditInput{
		WalletID:    w.ID,
		Amount:      amount,
		Type:        ledger.TxPayment,
		Description: "payment received",
		Reference:   reference,
	})
	if err != nil {
		return nil, err
	}
	s.events.EmitPaymentReceived(ctx, w.AgentID, w.ID, amount, st.NewBalance, reference)
	return st, nil
}

func settlementFailure(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ledger.ErrWalletFrozen):
		return ReasonWalletFrozen
	default:
		return ReasonSettlementError
	}
}

func recordDecision(d guardrail.Decision) {
	metrics.GuardrailDecisionsTotal.WithLabelValues(string(d.Scope), string(d.Outcome), d.Reason).Inc()
}

func describe(req SpendRequest) string {
	switch {
	case req.Description != "":
		return req.Description
	case req.ProductName != "":
		return req.ProductName
	}
	return req.Merchant
}
