package guardrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	scopeAgent = "agent"
	scopeOwner = "owner"
)

// PostgresStore persists guardrail policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAgentPolicy(ctx context.Context, agentID string) (*Policy, error) {
	return p.get(ctx, scopeAgent, agentID)
}

func (p *PostgresStore) PutAgentPolicy(ctx context.Context, agentID string, pol *Policy) error {
	return p.put(ctx, scopeAgent, agentID, pol)
}

func (p *PostgresStore) GetMasterPolicy(ctx context.Context, ownerID string) (*Policy, error) {
	return p.get(ctx, scopeOwner, ownerID)
}

func (p *PostgresStore) PutMasterPolicy(ctx context.Context, ownerID string, pol *Policy) error {
	return p.put(ctx, scopeOwner, ownerID, pol)
}

func (p *PostgresStore) get(ctx context.Context, scope, subjectID string) (*Policy, error) {
	pol := &Policy{}
	var threshold sql.NullFloat64
	var allowM, blockM, allowD, blockD []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT max_per_tx_usd, daily_budget_usd, monthly_budget_usd, require_approval_above_usd,
		       allowlisted_merchants, blocklisted_merchants, allowlisted_domains, blocklisted_domains,
		       auto_pause_on_zero, timezone, updated_at
		FROM guardrail_policies WHERE scope = $1 AND subject_id = $2`,
		scope, subjectID,
	).Scan(
		&pol.MaxPerTxUSD, &pol.DailyBudgetUSD, &pol.MonthlyBudgetUSD, &threshold,
		&allowM, &blockM, &allowD, &blockD,
		&pol.AutoPauseOnZero, &pol.Timezone, &pol.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}

	if threshold.Valid {
		v := threshold.Float64
		pol.RequireApprovalAboveUSD = &v
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{
		{allowM, &pol.AllowlistedMerchants},
		{blockM, &pol.BlocklistedMerchants},
		{allowD, &pol.AllowlistedDomains},
		{blockD, &pol.BlocklistedDomains},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("corrupt list for %s policy %s: %w", scope, subjectID, err)
		}
	}
	return pol, nil
}

func (p *PostgresStore) put(ctx context.Context, scope, subjectID string, pol *Policy) error {
	// JSONB columns take text; lib/pq would send a []byte as bytea.
	lists := make([]string, 0, 4)
	for _, l := range [][]string{pol.AllowlistedMerchants, pol.BlocklistedMerchants, pol.AllowlistedDomains, pol.BlocklistedDomains} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		lists = append(lists, string(b))
	}

	var threshold sql.NullFloat64
	if pol.RequireApprovalAboveUSD != nil {
		threshold = sql.NullFloat64{Float64: *pol.RequireApprovalAboveUSD, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO guardrail_policies (
			scope, subject_id, max_per_tx_usd, daily_budget_usd, monthly_budget_usd, require_approval_above_usd,
			allowlisted_merchants, blocklisted_merchants, allowlisted_domains, blocklisted_domains,
			auto_pause_on_zero, timezone, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (scope, subject_id) DO UPDATE SET
			max_per_tx_usd             = EXCLUDED.max_per_tx_usd,
			daily_budget_usd           = EXCLUDED.daily_budget_usd,
			monthly_budget_usd         = EXCLUDED.monthly_budget_usd,
			require_approval_above_usd = EXCLUDED.require_approval_above_usd,
			allowlisted_merchants      = EXCLUDED.allowlisted_merchants,
			blocklisted_merchants      = EXCLUDED.blocklisted_merchants,
			allowlisted_domains        = EXCLUDED.allowlisted_domains,
			blocklisted_domains        = EXCLUDED.blocklisted_domains,
			auto_pause_on_zero         = EXCLUDED.auto_pause_on_zero,
			timezone                   = EXCLUDED.timezone,
			updated_at                 = NOW()`,
		scope, subjectID, pol.MaxPerTxUSD, pol.DailyBudgetUSD, pol.MonthlyBudgetUSD, threshold,
		lists[0], lists[1], lists[2], lists[3],
		pol.AutoPauseOnZero, pol.Timezone,
	)
	return err
}
