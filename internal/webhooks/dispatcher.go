package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/spendgate/internal/circuitbreaker"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/security"
	"github.com/mbd888/spendgate/internal/syncutil"
	"github.com/mbd888/spendgate/internal/traces"
)

const (
	defaultWorkers = 8
	leaseMargin    = 30 * time.Second
)

// Dispatcher persists and delivers webhook events.
type Dispatcher struct {
	store        Store
	client       *http.Client
	timeout      time.Duration
	workers      int
	breaker      *circuitbreaker.Breaker
	locks        *syncutil.ContextShardedMutex
	urlValidator func(string) error
	now          func() time.Time
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher with the default 10s attempt timeout.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{},
		timeout:      DefaultTimeout,
		workers:      defaultWorkers,
		breaker:      circuitbreaker.New(10, 5*time.Minute),
		locks:        syncutil.NewContextShardedMutex(),
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
		logger:       logger,
	}
}

// WithTimeout sets the per-attempt timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// WithWorkers bounds how many deliveries one sweep attempts concurrently.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

// WithBreaker replaces the per-destination circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithURLValidator replaces the outbound URL check.
func (d *Dispatcher) WithURLValidator(fn func(string) error) *Dispatcher {
	d.urlValidator = fn
	return d
}

// WithClock replaces the time source used for scheduling.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithHTTPClient replaces the HTTP client. Its Timeout is ignored in favor
// of the per-attempt context deadline.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Store returns the backing store.
func (d *Dispatcher) Store() Store {
	return d.store
}

// lease is how long a claimed row is hidden from other claimers. It has to
// outlive one attempt.
func (d *Dispatcher) lease() time.Duration {
	return d.timeout + leaseMargin
}

// Fire builds the envelope for eventType, persists a pending delivery and
// performs the first attempt before returning. When the target has no
// usable destination nothing is stored and (nil, nil) is returned.
func (d *Dispatcher) Fire(ctx context.Context, targetID string, eventType EventType, data map[string]interface{}) (*Delivery, error) {
	dest, err := d.store.GetDestination(ctx, targetID)
	if errors.Is(err, ErrDestinationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load destination: %w", err)
	}
	if !dest.Deliverable(eventType) {
		return nil, nil
	}

	now := d.now().UTC()
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(Envelope{
		Event:     eventType,
		Timestamp: now.Format(time.RFC3339Nano),
		BotID:     targetID,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	// The row exists before the network call, leased so a sweep only picks
	// it up if this process dies mid-attempt.
	leased := now.Add(d.lease())
	del := &Delivery{
		ID:             idgen.WithPrefix(idgen.PrefixDelivery),
		TargetID:       targetID,
		Event:          eventType,
		DestinationURL: dest.URL,
		Payload:        payload,
		Status:         DeliveryPending,
		NextRetryAt:    &leased,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, fmt.Errorf("persist delivery: %w", err)
	}

	if err := d.attempt(ctx, del); err != nil {
		return del, err
	}
	return del, nil
}

// RetryDue claims up to limit due deliveries and attempts them with at most
// the configured number of concurrent workers. It returns how many were
// attempted.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	claimed, err := d.store.ClaimDue(ctx, d.now().UTC(), d.lease(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for _, del := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(del *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.attempt(ctx, del); err != nil {
				d.logger.Warn("webhook retry attempt not recorded",
					"delivery_id", del.ID, "target_id", del.TargetID, "error", err)
			}
		}(del)
	}
	wg.Wait()
	return len(claimed), nil
}

// RetryNow attempts one delivery immediately if it is due and not already
// being attempted elsewhere.
func (d *Dispatcher) RetryNow(ctx context.Context, id string) (*Delivery, error) {
	del, err := d.store.Claim(ctx, id, d.now().UTC(), d.lease())
	if err != nil {
		return nil, err
	}
	if err := d.attempt(ctx, del); err != nil {
		return del, err
	}
	return del, nil
}

// attempt sends del once and records the outcome on del and in the store.
// The returned error is only about recording; delivery failures are data.
func (d *Dispatcher) attempt(ctx context.Context, del *Delivery) error {
	unlock, err := d.locks.LockContext(ctx, del.ID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "webhooks.Attempt",
		traces.DeliveryID(del.ID), traces.Event(string(del.Event)))
	defer span.End()

	dest, err := d.store.GetDestination(ctx, del.TargetID)
	if err != nil && !errors.Is(err, ErrDestinationNotFound) {
		traces.RecordError(span, err)
		return fmt.Errorf("load destination: %w", err)
	}
	if dest == nil || !dest.Active || dest.Secret == "" {
		// Disabled between attempts: stop without sending.
		d.finish(del, DeliveryFailed, 0, "destination inactive")
		metrics.WebhookDeliveriesTotal.WithLabelValues("abandoned").Inc()
		span.SetAttributes(traces.Outcome("abandoned"))
		return d.store.UpdateDelivery(ctx, del)
	}

	url := d.targetURL(del, dest)
	if d.urlValidator != nil {
		if err := d.urlValidator(url); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("blocked_url").Inc()
			return d.record(ctx, span, del, 0, truncate("blocked url: "+err.Error()), false)
		}
	}

	// An open circuit is not an attempt: nothing is sent, so the delivery
	// keeps its attempt budget and waits for the circuit to admit a trial request.
	if d.breaker != nil && !d.breaker.Allow(dest.TargetID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.postpone(del, d.breaker.RetryAfter(dest.TargetID))
		span.SetAttributes(traces.Outcome("circuit_open"))
		if err := d.store.UpdateDelivery(ctx, del); err != nil {
			traces.RecordError(span, err)
			return fmt.Errorf("postpone delivery: %w", err)
		}
		return nil
	}

	code, body, ok := d.send(ctx, url, dest.Secret, del)
	return d.record(ctx, span, del, code, body, ok)
}

// record applies one attempt's outcome and persists it.
func (d *Dispatcher) record(ctx context.Context, span trace.Span, del *Delivery, code int, body string, ok bool) error {
	d.recordAttempt(del, code, body, ok)
	span.SetAttributes(traces.Outcome(string(del.Status)))

	if err := d.store.UpdateDelivery(ctx, del); err != nil {
		traces.RecordError(span, err)
		return fmt.Errorf("record attempt: %w", err)
	}
	if del.Status == DeliveryFailed {
		d.logger.Warn("webhook delivery exhausted retries",
			"delivery_id", del.ID, "target_id", del.TargetID, "event", del.Event,
			"attempts", del.Attempts, "last_status", del.LastStatusCode)
	}
	return nil
}

// targetURL is where del goes. Deliveries keep the URL captured when they
// were fired; rows without one follow the destination.
func (d *Dispatcher) targetURL(del *Delivery, dest *Destination) string {
	if del.DestinationURL != "" {
		return del.DestinationURL
	}
	return dest.URL
}

// send performs the HTTP POST and reports status, truncated body and
// whether the receiver accepted it.
func (d *Dispatcher) send(ctx context.Context, url, secret string, del *Delivery) (int, string, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(del.Payload))
	if err != nil {
		return 0, truncate(err.Error()), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(del.Payload, secret))
	req.Header.Set(HeaderEvent, string(del.Event))
	req.Header.Set(HeaderDelivery, del.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordBreaker(del.TargetID, false)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return 0, truncate(err.Error()), false
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	d.recordBreaker(del.TargetID, ok)
	if ok {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("http_error").Inc()
	}
	return resp.StatusCode, string(raw), ok
}

func (d *Dispatcher) recordBreaker(key string, ok bool) {
	if d.breaker == nil {
		return
	}
	if ok {
		d.breaker.RecordSuccess(key)
	} else {
		d.breaker.RecordFailure(key)
	}
}

// recordAttempt applies the retry schedule: success is terminal, a failure
// below MaxAttempts is rescheduled by RetrySchedule[attempts-1], the last
// failure is terminal.
func (d *Dispatcher) recordAttempt(del *Delivery, code int, body string, ok bool) {
	attemptedAt := d.now().UTC()
	del.Attempts++
	del.LastAttemptAt = &attemptedAt
	switch {
	case ok:
		d.finish(del, DeliverySuccess, code, body)
	case del.Attempts < MaxAttempts:
		now := d.now().UTC()
		next := now.Add(RetrySchedule[del.Attempts-1])
		del.Status = DeliveryPending
		del.LastStatusCode = code
		del.LastResponseBody = body
		del.NextRetryAt = &next
		del.UpdatedAt = now
	default:
		d.finish(del, DeliveryFailed, code, body)
	}
}

// postpone reschedules del without counting an attempt. The wait is at
// least the first retry delay.
func (d *Dispatcher) postpone(del *Delivery, wait time.Duration) {
	if wait < RetrySchedule[0] {
		wait = RetrySchedule[0]
	}
	now := d.now().UTC()
	next := now.Add(wait)
	del.Status = DeliveryPending
	del.NextRetryAt = &next
	del.UpdatedAt = now
	d.logger.Debug("webhook delivery postponed, circuit open",
		"delivery_id", del.ID, "target_id", del.TargetID, "next_retry_at", next)
}

func (d *Dispatcher) finish(del *Delivery, status DeliveryStatus, code int, body string) {
	now := d.now().UTC()
	del.Status = status
	del.NextRetryAt = nil
	if code != 0 || body != "" {
		del.LastStatusCode = code
		del.LastResponseBody = body
	}
	if status == DeliverySuccess {
		del.DeliveredAt = &now
	}
	del.UpdatedAt = now
}

func truncate(s string) string {
	if len(s) > maxResponseBody {
		return s[:maxResponseBody]
	}
	return s
}
