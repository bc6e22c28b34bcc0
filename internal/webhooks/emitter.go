package webhooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emits by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emits that could not be persisted or recorded.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns domain happenings into webhook events. Every method returns
// immediately; the first delivery attempt runs in the background and errors
// are logged, never returned to the caller.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// Wait blocks until all in-flight emits have finished their first attempt.
// Called on shutdown and by tests.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Emitter) emit(ctx context.Context, agentID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil || agentID == "" {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()

	// Detached from the request so the attempt survives the response.
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, e.d.timeout+5*time.Second)
		defer cancel()
		if _, err := e.d.Fire(ctx, agentID, eventType, data); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "agent_id", agentID, "error", err)
		}
	}()
}

func amountFields(data map[string]interface{}, key string, micro int64) {
	data[key+"Micro"] = micro
	data[key] = usdc.Format(micro)
}

// --- Wallet events ---

// EmitWalletActivated emits wallet.activated.
func (e *Emitter) EmitWalletActivated(ctx context.Context, agentID, walletID, ownerID string) {
	e.emit(ctx, agentID, EventWalletActivated, map[string]interface{}{
		"walletId": walletID,
		"ownerId":  ownerID,
	})
}

// EmitWalletPaused emits wallet.paused.
func (e *Emitter) EmitWalletPaused(ctx context.Context, agentID, walletID, reason string) {
	e.emit(ctx, agentID, EventWalletPaused, map[string]interface{}{
		"walletId": walletID,
		"reason":   reason,
	})
}

// EmitTopupCompleted emits wallet.topup.completed.
func (e *Emitter) EmitTopupCompleted(ctx context.Context, agentID, walletID string, amount, newBalance int64, reference string) {
	data := map[string]interface{}{"walletId": walletID, "reference": reference}
	amountFields(data, "amount", amount)
	amountFields(data, "balance", newBalance)
	e.emit(ctx, agentID, EventWalletTopupCompleted, data)
}

// EmitPaymentReceived emits wallet.payment.received.
func (e *Emitter) EmitPaymentReceived(ctx context.Context, agentID, walletID string, amount, newBalance int64, reference string) {
	data := map[string]interface{}{"walletId": walletID, "reference": reference}
	amountFields(data, "amount", amount)
	amountFields(data, "balance", newBalance)
	e.emit(ctx, agentID, EventWalletPaymentReceived, data)
}

// EmitSpendAuthorized emits wallet.spend.authorized.
func (e *Emitter) EmitSpendAuthorized(ctx context.Context, agentID, walletID, transactionID string, amount, newBalance int64, merchant string) {
	data := map[string]interface{}{
		"walletId":      walletID,
		"transactionId": transactionID,
		"merchant":      merchant,
	}
	amountFields(data, "amount", amount)
	amountFields(data, "balance", newBalance)
	e.emit(ctx, agentID, EventWalletSpendAuthorized, data)
}

// EmitSpendDeclined emits wallet.spend.declined with the decline reason.
func (e *Emitter) EmitSpendDeclined(ctx context.Context, agentID, walletID string, amount int64, merchant, reason string) {
	data := map[string]interface{}{
		"walletId": walletID,
		"merchant": merchant,
		"reason":   reason,
	}
	amountFields(data, "amount", amount)
	e.emit(ctx, agentID, EventWalletSpendDeclined, data)
}

// EmitApprovalRequired emits wallet.spend.approval_required.
func (e *Emitter) EmitApprovalRequired(ctx context.Context, agentID, walletID, approvalID string, amount int64, expiresAt time.Time) {
	data := map[string]interface{}{
		"walletId":   walletID,
		"approvalId": approvalID,
		"expiresAt":  expiresAt.UTC().Format(time.RFC3339),
	}
	amountFields(data, "amount", amount)
	e.emit(ctx, agentID, EventWalletApprovalRequired, data)
}

// EmitBalanceLow emits wallet.balance.low.
func (e *Emitter) EmitBalanceLow(ctx context.Context, agentID, walletID string, balance, threshold int64) {
	data := map[string]interface{}{"walletId": walletID}
	amountFields(data, "balance", balance)
	amountFields(data, "threshold", threshold)
	e.emit(ctx, agentID, EventWalletBalanceLow, data)
}

// --- Purchase events ---

func (e *Emitter) purchase(ctx context.Context, event EventType, agentID, walletID, approvalID, transactionID string, amount int64) {
	data := map[string]interface{}{
		"walletId":      walletID,
		"approvalId":    approvalID,
		"transactionId": transactionID,
	}
	amountFields(data, "amount", amount)
	e.emit(ctx, agentID, event, data)
}

// EmitPurchaseApproved emits purchase.approved.
func (e *Emitter) EmitPurchaseApproved(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64) {
	e.purchase(ctx, EventPurchaseApproved, agentID, walletID, approvalID, transactionID, amount)
}

// EmitPurchaseRejected emits purchase.rejected.
func (e *Emitter) EmitPurchaseRejected(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64) {
	e.purchase(ctx, EventPurchaseRejected, agentID, walletID, approvalID, transactionID, amount)
}

// EmitPurchaseExpired emits purchase.expired.
func (e *Emitter) EmitPurchaseExpired(ctx context.Context, agentID, walletID, approvalID, transactionID string, amount int64) {
	e.purchase(ctx, EventPurchaseExpired, agentID, walletID, approvalID, transactionID, amount)
}

// --- Order events ---

// OrderEvent maps an order status to its event type.
func OrderEvent(status string) (EventType, bool) {
	switch status {
	case "shipped":
		return EventOrderShipped, true
	case "delivered":
		return EventOrderDelivered, true
	case "failed":
		return EventOrderFailed, true
	}
	return "", false
}

// EmitOrderEvent emits order.shipped, order.delivered or order.failed.
// Unknown statuses are dropped.
func (e *Emitter) EmitOrderEvent(ctx context.Context, agentID, walletID, orderID, status, detail string) {
	event, ok := OrderEvent(status)
	if !ok {
		return
	}
	data := map[string]interface{}{
		"walletId": walletID,
		"orderId":  orderID,
		"status":   status,
	}
	if detail != "" {
		data["detail"] = detail
	}
	e.emit(ctx, agentID, event, data)
}
