package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists destinations and deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) PutDestination(ctx context.Context, d *Destination) error {
	events, err := json.Marshal(nonNilEvents(d.Events))
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_destinations (target_id, url, secret, active, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id) DO UPDATE
		SET url = EXCLUDED.url, secret = EXCLUDED.secret, active = EXCLUDED.active,
		    events = EXCLUDED.events, updated_at = EXCLUDED.updated_at`,
		d.TargetID, d.URL, d.Secret, d.Active, string(events), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetDestination(ctx context.Context, targetID string) (*Destination, error) {
	d := &Destination{}
	var events []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT target_id, url, secret, active, events, created_at, updated_at
		FROM webhook_destinations WHERE target_id = $1`, targetID,
	).Scan(&d.TargetID, &d.URL, &d.Secret, &d.Active, &events, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDestinationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &d.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) DeleteDestination(ctx context.Context, targetID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_destinations WHERE target_id = $1`, targetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDestinationNotFound
	}
	return nil
}

const deliveryColumns = `id, target_id, event, destination_url, payload, status, attempts,
		       last_status_code, last_response_body, last_attempt_at, next_retry_at, delivered_at,
		       created_at, updated_at`

func (p *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, target_id, event, destination_url, payload, status, attempts,
			next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.TargetID, string(d.Event), d.DestinationURL, []byte(d.Payload), string(d.Status), d.Attempts,
		d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

// UpdateDelivery writes the attempt outcome. The payload and destination
// URL columns are never rewritten.
func (p *PostgresStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_status_code = $4, last_response_body = $5,
		    last_attempt_at = $6, next_retry_at = $7, delivered_at = $8, updated_at = $9
		WHERE id = $1`,
		d.ID, string(d.Status), d.Attempts, d.LastStatusCode, d.LastResponseBody,
		d.LastAttemptAt, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// ClaimDue leases due rows with SKIP LOCKED so concurrent sweepers on
// different instances split the batch instead of colliding.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = $3
		WHERE id = $1 AND status = 'pending' AND next_retry_at <= $2
		RETURNING `+deliveryColumns,
		id, now, now.Add(lease),
	)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, ErrDeliveryNotFound
		}
		return nil, ErrNotClaimable
	}
	return d, err
}

func (p *PostgresStore) ListDeliveries(ctx context.Context, targetID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE target_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	d := &Delivery{}
	var (
		event, status string
		payload       []byte
		statusCode    sql.NullInt64
		body          sql.NullString
		lastAttemptAt sql.NullTime
		nextRetryAt   sql.NullTime
		deliveredAt   sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.TargetID, &event, &d.DestinationURL, &payload, &status, &d.Attempts,
		&statusCode, &body, &lastAttemptAt, &nextRetryAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Event = EventType(event)
	d.Status = DeliveryStatus(status)
	d.Payload = append([]byte(nil), payload...)
	d.LastStatusCode = int(statusCode.Int64)
	d.LastResponseBody = body.String
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		d.LastAttemptAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		d.NextRetryAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

func nonNilEvents(e []EventType) []EventType {
	if e == nil {
		return []EventType{}
	}
	return e
}

var _ Store = (*PostgresStore)(nil)
