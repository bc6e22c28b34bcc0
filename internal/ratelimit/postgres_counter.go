package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresCounter shares counters across API instances.
type PostgresCounter struct {
	db *sql.DB
}

// NewPostgresCounter creates a counter store on the rate_limit_counters table.
func NewPostgresCounter(db *sql.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

func (p *PostgresCounter) Incr(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count
	`, key, windowStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr: %w", err)
	}
	return n, nil
}

func (p *PostgresCounter) Prune(ctx context.Context, cutoff time.Time) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE window_start < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}
