package guardrail

import "context"

// Store persists agent and owner (master) policies.
type Store interface {
	GetAgentPolicy(ctx context.Context, agentID string) (*Policy, error)
	PutAgentPolicy(ctx context.Context, agentID string, p *Policy) error
	GetMasterPolicy(ctx context.Context, ownerID string) (*Policy, error)
	PutMasterPolicy(ctx context.Context, ownerID string, p *Policy) error
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	if p.RequireApprovalAboveUSD != nil {
		v := *p.RequireApprovalAboveUSD
		cp.RequireApprovalAboveUSD = &v
	}
	cp.AllowlistedMerchants = append([]string(nil), p.AllowlistedMerchants...)
	cp.BlocklistedMerchants = append([]string(nil), p.BlocklistedMerchants...)
	cp.AllowlistedDomains = append([]string(nil), p.AllowlistedDomains...)
	cp.BlocklistedDomains = append([]string(nil), p.BlocklistedDomains...)
	return &cp
}
