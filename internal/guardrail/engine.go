package guardrail

import (
	"net/url"
	"strings"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Evaluate checks one request against one policy snapshot and the current
// cumulative spend. The checks run in a fixed order and the first failing
// one decides: amount limits, then domain lists, then merchant lists, then
// the approval gate. A nil policy blocks.
func Evaluate(p *Policy, req Request, spend Spend) Decision {
	return evaluate(p, req, spend, ScopeAgent)
}

// EvaluateMaster runs the same checks for the owner-wide tier. The master
// tier never gates on approval: any threshold is ignored and a
// require_approval verdict is demoted to allow.
func EvaluateMaster(p *Policy, req Request, ownerSpend Spend) Decision {
	if p == nil {
		return Decision{Outcome: OutcomeAllow, Scope: ScopeOwner}
	}
	master := *p
	master.RequireApprovalAboveUSD = nil

	d := evaluate(&master, req, ownerSpend, ScopeOwner)
	if d.Outcome == OutcomeRequireApproval {
		return Decision{Outcome: OutcomeAllow, Scope: ScopeOwner}
	}
	return d
}

func evaluate(p *Policy, req Request, spend Spend, scope Scope) Decision {
	block := func(reason string) Decision {
		return Decision{Outcome: OutcomeBlock, Reason: reason, Scope: scope}
	}
	if p == nil {
		return block("no_policy")
	}

	amount := req.AmountMicro

	if amount > usdc.USDToMicro(p.MaxPerTxUSD) {
		return block(ReasonPerTxLimit)
	}
	if spend.DailyMicro+amount > usdc.USDToMicro(p.DailyBudgetUSD) {
		return block(ReasonDailyBudget)
	}
	if spend.MonthlyMicro+amount > usdc.USDToMicro(p.MonthlyBudgetUSD) {
		return block(ReasonMonthlyBudget)
	}

	if req.ResourceURL != "" {
		if len(p.AllowlistedDomains) > 0 {
			host, ok := hostname(req.ResourceURL)
			if !ok {
				return block(ReasonInvalidResourceURL)
			}
			if !containsFold(p.AllowlistedDomains, host) {
				return block(ReasonDomainNotAllowlisted)
			}
		}
		if len(p.BlocklistedDomains) > 0 {
			host, ok := hostname(req.ResourceURL)
			if !ok {
				return block(ReasonInvalidResourceURL)
			}
			if containsFold(p.BlocklistedDomains, host) {
				return block(ReasonDomainBlocklisted)
			}
		}
	}

	// Identity checks do not depend on the amount: a zero-amount request
	// against a disallowed merchant still blocks.
	if req.Merchant != "" {
		if len(p.AllowlistedMerchants) > 0 && !contains(p.AllowlistedMerchants, req.Merchant) {
			return block(ReasonMerchantNotAllowed)
		}
		if contains(p.BlocklistedMerchants, req.Merchant) {
			return block(ReasonMerchantBlocklisted)
		}
	}

	if p.RequireApprovalAboveUSD != nil && amount >= usdc.USDToMicro(*p.RequireApprovalAboveUSD) {
		return Decision{Outcome: OutcomeRequireApproval, Reason: ReasonRequiresApproval, Scope: scope}
	}

	return Decision{Outcome: OutcomeAllow, Scope: scope}
}

// hostname extracts a lowercase hostname. Anything without a scheme and a
// host fails, so callers can fail closed.
func hostname(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "", false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", false
	}
	return host, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
