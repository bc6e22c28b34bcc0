package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DeliversInBackground(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(http.StatusOK), "")
	register(t, store, "agent_1", srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	e := NewEmitter(d, testLogger())
	e.EmitSpendDeclined(ctx, "agent_1", "wal_1", 7_500_000, "acme", "exceeds_per_tx_limit")
	// The request context ending must not abort the delivery.
	cancel()
	e.Wait()

	require.EqualValues(t, 1, rc.hits.Load())
	var env Envelope
	require.NoError(t, json.Unmarshal(rc.bodies[0], &env))
	assert.Equal(t, EventWalletSpendDeclined, env.Event)
	assert.Equal(t, "exceeds_per_tx_limit", env.Data["reason"])
	assert.Equal(t, "7.500000", env.Data["amount"])
	assert.EqualValues(t, 7_500_000, env.Data["amountMicro"])
	assert.Equal(t, "acme", env.Data["merchant"])
}

func TestEmitter_EventTypes(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(http.StatusOK), "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()
	e := NewEmitter(d, testLogger())

	e.EmitWalletActivated(ctx, "agent_1", "wal_1", "own_1")
	e.EmitWalletPaused(ctx, "agent_1", "wal_1", "balance_depleted")
	e.EmitTopupCompleted(ctx, "agent_1", "wal_1", 10_000_000, 12_000_000, "cs_1")
	e.EmitPaymentReceived(ctx, "agent_1", "wal_1", 1_000_000, 13_000_000, "pay_1")
	e.EmitSpendAuthorized(ctx, "agent_1", "wal_1", "tx_1", 3_000_000, 10_000_000, "acme")
	e.EmitApprovalRequired(ctx, "agent_1", "wal_1", "apr_1", 60_000_000, time.Now().Add(15*time.Minute))
	e.EmitBalanceLow(ctx, "agent_1", "wal_1", 4_000_000, 5_000_000)
	e.EmitPurchaseApproved(ctx, "agent_1", "wal_1", "apr_1", "tx_2", 60_000_000)
	e.EmitPurchaseRejected(ctx, "agent_1", "wal_1", "apr_2", "tx_3", 60_000_000)
	e.EmitPurchaseExpired(ctx, "agent_1", "wal_1", "apr_3", "tx_4", 60_000_000)
	e.EmitOrderEvent(ctx, "agent_1", "wal_1", "ord_1", "shipped", "")
	e.EmitOrderEvent(ctx, "agent_1", "wal_1", "ord_1", "delivered", "")
	e.EmitOrderEvent(ctx, "agent_1", "wal_1", "ord_1", "failed", "carrier lost parcel")
	e.EmitOrderEvent(ctx, "agent_1", "wal_1", "ord_1", "teleported", "")
	e.Wait()

	seen := map[EventType]bool{}
	rc.mu.Lock()
	for _, h := range rc.headers {
		seen[EventType(h.Get(HeaderEvent))] = true
	}
	rc.mu.Unlock()

	for _, ev := range AllEvents {
		if ev == EventWalletSpendDeclined {
			continue
		}
		assert.True(t, seen[ev], "missing %s", ev)
	}
	assert.EqualValues(t, 13, rc.hits.Load(), "unknown order status is dropped")
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	e.EmitWalletActivated(context.Background(), "agent_1", "wal_1", "own_1")
	e.Wait()

	d, _, _ := newTestDispatcher(t)
	NewEmitter(d, nil).EmitWalletActivated(context.Background(), "", "wal_1", "own_1")
}

func TestOrderEvent(t *testing.T) {
	ev, ok := OrderEvent("shipped")
	assert.True(t, ok)
	assert.Equal(t, EventOrderShipped, ev)

	_, ok = OrderEvent("SHIPPED")
	assert.False(t, ok)
}
