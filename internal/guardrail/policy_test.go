package guardrail

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/spendgate/internal/usdc"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(basePolicy()))
	assert.ErrorIs(t, Validate(nil), ErrInvalidPolicy)
	assert.ErrorIs(t, Validate(&Policy{MaxPerTxUSD: -1}), ErrInvalidPolicy)
	assert.ErrorIs(t, Validate(&Policy{RequireApprovalAboveUSD: Float(-2)}), ErrInvalidPolicy)
	assert.ErrorIs(t, Validate(&Policy{Timezone: "Mars/Olympus"}), ErrInvalidPolicy)
	assert.ErrorIs(t, Validate(&Policy{AllowlistedDomains: []string{"https://x.example"}}), ErrInvalidPolicy)
}

func TestValidate_RejectsUnconvertibleAmounts(t *testing.T) {
	bad := []float64{math.NaN(), math.Inf(1), math.Inf(-1), usdc.MaxUSD + 1, 1e300}
	for _, v := range bad {
		for name, set := range map[string]func(p *Policy){
			"maxPerTx":  func(p *Policy) { p.MaxPerTxUSD = v },
			"daily":     func(p *Policy) { p.DailyBudgetUSD = v },
			"monthly":   func(p *Policy) { p.MonthlyBudgetUSD = v },
			"threshold": func(p *Policy) { p.RequireApprovalAboveUSD = Float(v) },
		} {
			p := basePolicy()
			set(p)
			assert.ErrorIs(t, Validate(p), ErrInvalidPolicy, "%s = %v", name, v)
		}
	}

	p := basePolicy()
	p.MonthlyBudgetUSD = usdc.MaxUSD
	require.NoError(t, Validate(p))
	assert.Positive(t, usdc.USDToMicro(p.MonthlyBudgetUSD), "the largest accepted value converts without overflow")
}

func TestLoadSeedFile_RejectsInfiniteBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`agents:
  agent_1:
    max_per_tx_usdc: 10
    daily_budget_usdc: .inf
    monthly_budget_usdc: 100
`), 0o600))

	_, err := LoadSeedFile(path)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestLocation(t *testing.T) {
	assert.Equal(t, time.UTC, (&Policy{}).Location())
	p := &Policy{Timezone: "America/New_York"}
	assert.Equal(t, "America/New_York", p.Location().String())
}

func TestNormalize(t *testing.T) {
	p := &Policy{AllowlistedDomains: []string{" Shop.Example "}, BlocklistedMerchants: []string{" m1 "}}
	Normalize(p)
	assert.Equal(t, []string{"shop.example"}, p.AllowlistedDomains)
	assert.Equal(t, []string{"m1"}, p.BlocklistedMerchants)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetAgentPolicy(ctx, "agent_1")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	p := basePolicy()
	p.RequireApprovalAboveUSD = Float(2)
	p.AllowlistedMerchants = []string{"m1"}
	require.NoError(t, s.PutAgentPolicy(ctx, "agent_1", p))

	got, err := s.GetAgentPolicy(ctx, "agent_1")
	require.NoError(t, err)
	got.AllowlistedMerchants[0] = "changed"
	*got.RequireApprovalAboveUSD = 99

	again, _ := s.GetAgentPolicy(ctx, "agent_1")
	assert.Equal(t, "m1", again.AllowlistedMerchants[0])
	assert.Equal(t, 2.0, *again.RequireApprovalAboveUSD)

	_, err = s.GetMasterPolicy(ctx, "agent_1")
	assert.ErrorIs(t, err, ErrPolicyNotFound, "agent and owner scopes are separate")
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  agent_1:
    max_per_tx_usdc: 5
    daily_budget_usdc: 25
    monthly_budget_usdc: 100
    require_approval_above_usdc: 2
    allowlisted_domains: ["Shop.Example"]
owners:
  owner_1:
    max_per_tx_usdc: 50
    daily_budget_usdc: 200
    monthly_budget_usdc: 1000
    timezone: Europe/Berlin
`), 0o600))

	seed, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Contains(t, seed.Agents, "agent_1")
	assert.Equal(t, 2.0, *seed.Agents["agent_1"].RequireApprovalAboveUSD)
	assert.Equal(t, []string{"shop.example"}, seed.Agents["agent_1"].AllowlistedDomains)

	store := NewMemoryStore()
	require.NoError(t, seed.Apply(context.Background(), store))
	owner, err := store.GetMasterPolicy(context.Background(), "owner_1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", owner.Timezone)
}

func TestLoadSeedFile_RejectsMasterThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
owners:
  owner_1:
    max_per_tx_usdc: 1
    daily_budget_usdc: 1
    monthly_budget_usdc: 1
    require_approval_above_usdc: 1
`), 0o600))
	_, err := LoadSeedFile(path)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
