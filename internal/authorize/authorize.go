// Package authorize runs the spend authorization pipeline: wallet state,
// the owner's master policy, the agent's policy, then settlement, a parked
// approval, or a decline. Policy outcomes are returned as data; only
// infrastructure faults surface as errors.
package authorize

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/spendgate/internal/approval"
	"github.com/mbd888/spendgate/internal/guardrail"
	"github.com/mbd888/spendgate/internal/ledger"
)

var (
	ErrInvalidAmount      = errors.New("authorize: amount must be positive")
	ErrUnknownOrderStatus = errors.New("authorize: order status must be shipped, delivered or failed")
)

// Outcome is the final verdict of an authorization.
type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeBlocked         Outcome = "blocked"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeDeclined        Outcome = "declined"
)

// Reasons produced by the pipeline itself rather than the guardrail engine.
const (
	ReasonWalletFrozen      = "wallet_frozen"
	ReasonNoPolicy          = "no_policy"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonSettlementError   = "settlement_error"
	ReasonApprovalRejected  = "approval_rejected"
	ReasonApprovalExpired   = "approval_expired"
	ReasonBalanceDepleted   = "balance_depleted"
)

// SpendRequest is an agent's request to spend from a wallet.
type SpendRequest struct {
	WalletID       string
	AmountMicro    int64
	Merchant       string
	ResourceURL    string
	ProductName    string
	ProductLocator string
	Description    string
}

// Result is what the requesting agent sees.
type Result struct {
	Outcome     Outcome             `json:"outcome"`
	Reason      string              `json:"reason,omitempty"`
	Decision    *guardrail.Decision `json:"decision,omitempty"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Approval    *approval.Record    `json:"approval,omitempty"`
	NewBalance  *int64              `json:"newBalanceMicro,omitempty"`
}

// Resolution is the outcome of a human decision on a parked spend. Settled
// is false for rejections and for approvals whose settlement failed; the
// approval itself stays approved in the latter case.
type Resolution struct {
	Approval    *approval.Record    `json:"approval"`
	Settled     bool                `json:"settled"`
	Reason      string              `json:"reason,omitempty"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	NewBalance  *int64              `json:"newBalanceMicro,omitempty"`
}

// EventEmitter publishes pipeline events to the agent's webhook. It is
// satisfied by *webhooks.Emitter.
type EventEmitter interface {
	EmitWalletPaused(ctx context.Context, agentID, walletID, reason string)
	EmitPaymentReceived(ctx context.Context, agentID, walletID string, amount, newBalance int64, reference string)
	EmitSpendAuthorized(ctx context.Context, agentID, walletID, transactionID string, amount, newBalance int64, merchant string)
	EmitSpendDeclined(ctx context.Context, agentID, walletID string, amount int64, merchant, reason string)
	EmitApprovalRequired(ctx context.Context, agentID, walletID, approvalID string, amount int64, expiresAt time.Time)
	EmitBalanceLow(ctx context.Context, agentID, walletID string, balance, threshold int64)
	EmitPurchaseApproved(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64)
	EmitPurchaseRejected(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64)
	EmitPurchaseExpired(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64)
	EmitOrderEvent(ctx context.Context, agentID, walletID, orderID, status, detail string)
}

// Notifier reaches the human owner. token is the capability that lets the
// owner decide; it is never handed to the agent.
type Notifier interface {
	ApprovalRequested(ctx context.Context, r *approval.Record, token string)
	ApprovalResolved(ctx context.Context, r *approval.Record)
}

type nopEmitter struct{}

func (nopEmitter) EmitWalletPaused(context.Context, string, string, string)                  {}
func (nopEmitter) EmitPaymentReceived(context.Context, string, string, int64, int64, string) {}
func (nopEmitter) EmitSpendAuthorized(context.Context, string, string, string, int64, int64, string) {
}
func (nopEmitter) EmitSpendDeclined(context.Context, string, string, int64, string, string)       {}
func (nopEmitter) EmitApprovalRequired(context.Context, string, string, string, int64, time.Time) {}
func (nopEmitter) EmitBalanceLow(context.Context, string, string, int64, int64)                   {}
func (nopEmitter) EmitPurchaseApproved(context.Context, string, string, string, string, int64)    {}
func (nopEmitter) EmitPurchaseRejected(context.Context, string, string, string, string, int64)    {}
func (nopEmitter) EmitPurchaseExpired(context.Context, string, string, string, string, int64)     {}
func (nopEmitter) EmitOrderEvent(context.Context, string, string, string, string, string)         {}

type nopNotifier struct{}

func (nopNotifier) ApprovalRequested(context.Context, *approval.Record, string) {}
func (nopNotifier) ApprovalResolved(context.Context, *approval.Record)          {}

func balancePtr(v int64) *int64 { return &v }
