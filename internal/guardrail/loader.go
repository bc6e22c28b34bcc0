package guardrail

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk shape of an operator-maintained policy file:
//
//	agents:
//	  agent_123:
//	    max_per_tx_usdc: 5
//	    daily_budget_usdc: 25
//	    monthly_budget_usdc: 100
//	    require_approval_above_usdc: 2
//	owners:
//	  owner_9:
//	    max_per_tx_usdc: 50
//	    daily_budget_usdc: 200
//	    monthly_budget_usdc: 1000
type SeedFile struct {
	Agents map[string]*Policy `yaml:"agents"`
	Owners map[string]*Policy `yaml:"owners"`
}

// LoadSeedFile parses and validates a YAML policy file.
func LoadSeedFile(path string) (*SeedFile, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for id, p := range seed.Agents {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
		Normalize(p)
	}
	for id, p := range seed.Owners {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("owner %s: %w", id, err)
		}
		if p.RequireApprovalAboveUSD != nil {
			return nil, fmt.Errorf("owner %s: %w: master policy cannot gate approval", id, ErrInvalidPolicy)
		}
		Normalize(p)
	}
	return &seed, nil
}

// Apply writes every policy in the seed file to the store.
func (s *SeedFile) Apply(ctx context.Context, store Store) error {
	for id, p := range s.Agents {
		if err := store.PutAgentPolicy(ctx, id, p); err != nil {
			return fmt.Errorf("seed agent %s: %w", id, err)
		}
	}
	for id, p := range s.Owners {
		if err := store.PutMasterPolicy(ctx, id, p); err != nil {
			return fmt.Errorf("seed owner %s: %w", id, err)
		}
	}
	return nil
}
