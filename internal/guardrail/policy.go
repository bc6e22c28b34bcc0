// Package guardrail evaluates agent spend requests against layered spending policy.
//
// Two tiers share one engine: the agent policy (caps, budgets, allow/block
// lists, approval threshold) and the owner-wide master policy, which can only
// block or allow. Evaluation is pure: callers supply the policy snapshot and
// the cumulative spend for the current windows.
package guardrail

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("guardrail: policy not found")
	ErrInvalidPolicy  = errors.New("guardrail: invalid policy")
)

// Outcome is the verdict of a single evaluation.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeBlock           Outcome = "block"
	OutcomeRequireApproval Outcome = "require_approval"
)

// Scope records which policy tier produced a decision.
type Scope string

const (
	ScopeAgent Scope = "agent"
	ScopeOwner Scope = "owner"
)

// Machine-readable reasons carried by block and require_approval decisions.
const (
	ReasonPerTxLimit           = "exceeds_per_tx_limit"
	ReasonDailyBudget          = "exceeds_daily_budget"
	ReasonMonthlyBudget        = "exceeds_monthly_budget"
	ReasonInvalidResourceURL   = "invalid_resource_url"
	ReasonDomainNotAllowlisted = "domain_not_allowlisted"
	ReasonDomainBlocklisted    = "domain_blocklisted"
	ReasonMerchantNotAllowed   = "merchant_not_allowlisted"
	ReasonMerchantBlocklisted  = "merchant_blocklisted"
	ReasonRequiresApproval     = "requires_approval"
)

// Policy is a guardrail configuration. Dollar fields are decimal USD; they
// are converted to micro-units before any comparison.
type Policy struct {
	MaxPerTxUSD             float64   `json:"maxPerTxUsdc" yaml:"max_per_tx_usdc"`
	DailyBudgetUSD          float64   `json:"dailyBudgetUsdc" yaml:"daily_budget_usdc"`
	MonthlyBudgetUSD        float64   `json:"monthlyBudgetUsdc" yaml:"monthly_budget_usdc"`
	RequireApprovalAboveUSD *float64  `json:"requireApprovalAboveUsdc" yaml:"require_approval_above_usdc"`
	AllowlistedMerchants    []string  `json:"allowlistedMerchants,omitempty" yaml:"allowlisted_merchants"`
	BlocklistedMerchants    []string  `json:"blocklistedMerchants,omitempty" yaml:"blocklisted_merchants"`
	AllowlistedDomains      []string  `json:"allowlistedDomains,omitempty" yaml:"allowlisted_domains"`
	BlocklistedDomains      []string  `json:"blocklistedDomains,omitempty" yaml:"blocklisted_domains"`
	AutoPauseOnZero         bool      `json:"autoPauseOnZero" yaml:"auto_pause_on_zero"`
	Timezone                string    `json:"timezone,omitempty" yaml:"timezone"` // IANA name for budget windows, default UTC
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Location returns the policy's reference timezone for rolling windows.
// Unknown or empty names fall back to UTC; Validate rejects unknown names
// before they are stored.
func (p *Policy) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Request is one spend attempt, in micro-units.
type Request struct {
	AmountMicro int64
	Merchant    string // optional opaque merchant id
	ResourceURL string // optional, only its hostname is consulted
}

// Spend holds cumulative completed spend for the current calendar day and
// month, in micro-units. Supplied by the ledger, never computed here.
type Spend struct {
	DailyMicro   int64 `json:"dailyMicro"`
	MonthlyMicro int64 `json:"monthlyMicro"`
}

// Decision is the engine output.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Scope   Scope   `json:"scope"`
}

// Allowed reports whether the decision lets the spend proceed without a human.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Validate checks a policy before it is stored.
func Validate(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: policy is required", ErrInvalidPolicy)
	}
	type amount struct {
		name  string
		value float64
	}
	amounts := []amount{
		{"maxPerTxUsdc", p.MaxPerTxUSD},
		{"dailyBudgetUsdc", p.DailyBudgetUSD},
		{"monthlyBudgetUsdc", p.MonthlyBudgetUSD},
	}
	if p.RequireApprovalAboveUSD != nil {
		amounts = append(amounts, amount{"requireApprovalAboveUsdc", *p.RequireApprovalAboveUSD})
	}
	for _, a := range amounts {
		if err := checkAmount(a.name, a.value); err != nil {
			return err
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidPolicy, p.Timezone)
		}
	}
	for _, d := range append(append([]string{}, p.AllowlistedDomains...), p.BlocklistedDomains...) {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "/:? ") {
			return fmt.Errorf("%w: %q is not a hostname", ErrInvalidPolicy, d)
		}
	}
	return nil
}

// checkAmount rejects dollar values that have no micro-unit equivalent.
func checkAmount(name string, v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return fmt.Errorf("%w: %s must be a finite number", ErrInvalidPolicy, name)
	case v < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, name)
	case v > usdc.MaxUSD:
		return fmt.Errorf("%w: %s exceeds %d", ErrInvalidPolicy, name, usdc.MaxUSD)
	}
	return nil
}

// Normalize lowercases domain lists and trims merchant ids in place.
func Normalize(p *Policy) {
	for i, d := range p.AllowlistedDomains {
		p.AllowlistedDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	for i, d := range p.BlocklistedDomains {
		p.BlocklistedDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	for i, m := range p.AllowlistedMerchants {
		p.AllowlistedMerchants[i] = strings.TrimSpace(m)
	}
	for i, m := range p.BlocklistedMerchants {
		p.BlocklistedMerchants[i] = strings.TrimSpace(m)
	}
}

// Float returns a pointer to v, for building policies with an approval threshold.
func Float(v float64) *float64 { return &v }
