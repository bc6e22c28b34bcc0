// Package webhooks delivers signed event notifications to agent-registered
// HTTP endpoints.
//
// Each event is serialized once into an envelope, persisted as a delivery
// row before any network call, and then POSTed with an HMAC-SHA256
// signature. Failed deliveries are retried on a fixed schedule by a sweep
// until they succeed or reach MaxAttempts. The stored bytes are re-sent
// unchanged on every attempt, so receivers can deduplicate on payload hash.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrDestinationNotFound = errors.New("webhooks: destination not found")
	ErrDeliveryNotFound    = errors.New("webhooks: delivery not found")
	ErrNotClaimable        = errors.New("webhooks: delivery is not due or is being attempted")
)

// EventType is the event name sent in the envelope and X-Spendgate-Event.
type EventType string

const (
	EventWalletActivated        EventType = "wallet.activated"
	EventWalletTopupCompleted   EventType = "wallet.topup.completed"
	EventWalletSpendAuthorized  EventType = "wallet.spend.authorized"
	EventWalletSpendDeclined    EventType = "wallet.spend.declined"
	EventWalletApprovalRequired EventType = "wallet.spend.approval_required"
	EventWalletBalanceLow       EventType = "wallet.balance.low"
	EventWalletPaymentReceived  EventType = "wallet.payment.received"
	EventWalletPaused           EventType = "wallet.paused"
	EventPurchaseApproved       EventType = "purchase.approved"
	EventPurchaseRejected       EventType = "purchase.rejected"
	EventPurchaseExpired        EventType = "purchase.expired"
	EventOrderShipped           EventType = "order.shipped"
	EventOrderDelivered         EventType = "order.delivered"
	EventOrderFailed            EventType = "order.failed"
)

// AllEvents lists every event the service can emit.
var AllEvents = []EventType{
	EventWalletActivated, EventWalletTopupCompleted, EventWalletSpendAuthorized,
	EventWalletSpendDeclined, EventWalletApprovalRequired, EventWalletBalanceLow,
	EventWalletPaymentReceived, EventWalletPaused, EventPurchaseApproved,
	EventPurchaseRejected, EventPurchaseExpired, EventOrderShipped,
	EventOrderDelivered, EventOrderFailed,
}

// IsKnownEvent reports whether e is part of the event taxonomy.
func IsKnownEvent(e EventType) bool {
	for _, k := range AllEvents {
		if k == e {
			return true
		}
	}
	return false
}

// Request headers.
const (
	HeaderSignature = "X-Spendgate-Signature"
	HeaderEvent     = "X-Spendgate-Event"
	HeaderDelivery  = "X-Spendgate-Delivery"
)

// Delivery policy.
const (
	MaxAttempts     = 5
	DefaultTimeout  = 10 * time.Second
	maxResponseBody = 500
)

// RetrySchedule is indexed by the number of attempts already made.
var RetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// Envelope is the JSON body of every webhook request. Field order is fixed
// by the struct and map keys in Data are sorted by encoding/json, so the
// serialization is deterministic.
type Envelope struct {
	Event     EventType              `json:"event"`
	Timestamp string                 `json:"timestamp"`
	BotID     string                 `json:"bot_id"`
	Data      map[string]interface{} `json:"data"`
}

// Sign returns the signature header value for payload: "sha256=<hex>".
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value in constant time. Receivers can
// use it directly.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// Destination is an agent's registered endpoint. A destination with no
// secret or marked inactive receives nothing.
type Destination struct {
	TargetID  string      `json:"targetId"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"`
	Active    bool        `json:"active"`
	Events    []EventType `json:"events,omitempty"` // empty means all events
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Deliverable reports whether the destination should receive event.
func (d *Destination) Deliverable(event EventType) bool {
	if d == nil || !d.Active || strings.TrimSpace(d.Secret) == "" {
		return false
	}
	if len(d.Events) == 0 {
		return true
	}
	for _, e := range d.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery is one event bound for one destination, with its attempt history.
type Delivery struct {
	ID               string          `json:"id"`
	TargetID         string          `json:"targetId"`
	Event            EventType       `json:"event"`
	DestinationURL   string          `json:"destinationUrl"` // captured at fire time; retries go here
	Payload          json.RawMessage `json:"payload"`
	Status           DeliveryStatus  `json:"status"`
	Attempts         int             `json:"attempts"`
	LastStatusCode   int             `json:"lastStatusCode,omitempty"`
	LastResponseBody string          `json:"lastResponseBody,omitempty"`
	LastAttemptAt    *time.Time      `json:"lastAttemptAt,omitempty"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// DestinationStore persists destinations, one per target.
type DestinationStore interface {
	PutDestination(ctx context.Context, d *Destination) error
	GetDestination(ctx context.Context, targetID string) (*Destination, error)
	DeleteDestination(ctx context.Context, targetID string) error
}

// DeliveryStore persists deliveries.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	// ClaimDue atomically selects up to limit pending deliveries with
	// next_retry_at <= now and pushes their next_retry_at to now+lease, so no
	// other claimer can pick them up while an attempt is in flight.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error)
	// Claim applies the same rule to one delivery, returning ErrNotClaimable
	// when it is not pending or not yet due.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*Delivery, error)
	ListDeliveries(ctx context.Context, targetID string, limit int) ([]*Delivery, error)
}

// Store is the full persistence surface used by the dispatcher.
type Store interface {
	DestinationStore
	DeliveryStore
}
