// Package approval manages human sign-off for spend requests that cross an
// agent's approval threshold.
//
// Lifecycle:
//
//	pending ──approve──▶ approved
//	   │ ────reject───▶ rejected
//	   └────timeout───▶ expired
//
// All three outcomes are terminal. Every transition out of pending is a
// conditional write, so concurrent deciders (and a decider racing expiry)
// produce exactly one transition.
package approval

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("approval: not found")
	ErrNotPending      = errors.New("approval: not pending")
	ErrAlreadyDecided  = errors.New("approval: already decided")
	ErrExpired         = errors.New("approval: expired")
	ErrInvalidDecision = errors.New("approval: decision must be approve or reject")
	ErrInvalidToken    = errors.New("approval: invalid token")
)

// DefaultTTL is how long a pending approval waits for a human.
const DefaultTTL = 15 * time.Minute

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Decision is the human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) status() (Status, error) {
	switch d {
	case DecisionApprove:
		return StatusApproved, nil
	case DecisionReject:
		return StatusRejected, nil
	}
	return "", ErrInvalidDecision
}

// Record is one approval request.
type Record struct {
	ID             string     `json:"id"`
	WalletID       string     `json:"walletId"`
	AgentID        string     `json:"agentId"`
	OwnerID        string     `json:"ownerId"`
	TransactionID  string     `json:"transactionId"`
	AmountMicro    int64      `json:"amountMicro"`
	ProductName    string     `json:"productName,omitempty"`
	ProductLocator string     `json:"productLocator,omitempty"`
	Merchant       string     `json:"merchant,omitempty"`
	Status         Status     `json:"status"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	DecidedBy      string     `json:"decidedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CreateInput describes a new approval request.
type CreateInput struct {
	WalletID       string
	AgentID        string
	OwnerID        string
	TransactionID  string
	AmountMicro    int64
	ProductName    string
	ProductLocator string
	Merchant       string
	TTL            time.Duration // zero means DefaultTTL
}

// Store persists approval records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Transition moves a pending record to a terminal status. It returns
	// ErrNotPending when the record has already left pending, and never
	// overwrites a terminal status. Moving to any status other than expired
	// also requires decidedAt to be at or before the deadline; a pending
	// record past it yields ErrExpired and is left untouched.
	Transition(ctx context.Context, id string, to Status, decidedAt time.Time, decidedBy string) (*Record, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Record, error)
}
