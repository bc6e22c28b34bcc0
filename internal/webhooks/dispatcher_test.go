package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/spendgate/internal/circuitbreaker"
)

const testSecret = "whsec_test_secret"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func noopValidator(string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clk := &fakeClock{t: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
	d := NewDispatcher(store, testLogger()).
		WithClock(clk.Now).
		WithURLValidator(noopValidator).
		WithBreaker(circuitbreaker.New(100, time.Hour)).
		WithTimeout(2 * time.Second)
	return d, store, clk
}

func register(t *testing.T, store *MemoryStore, targetID, url string) {
	t.Helper()
	require.NoError(t, store.PutDestination(context.Background(), &Destination{
		TargetID: targetID,
		URL:      url,
		Secret:   testSecret,
		Active:   true,
	}))
}

// receiver records every request and answers with statusFor(n), n starting at 1.
type receiver struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	hits    atomic.Int32
}

func newReceiver(t *testing.T, statusFor func(n int) int, body string) (*receiver, *httptest.Server) {
	t.Helper()
	rc := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(rc.hits.Add(1))
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, b)
		rc.headers = append(rc.headers, r.Header.Clone())
		rc.mu.Unlock()
		w.WriteHeader(statusFor(n))
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return rc, srv
}

func always(code int) func(int) int { return func(int) int { return code } }

func TestFire_NoDestinationIsNoop(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	del, err := d.Fire(context.Background(), "agent_none", EventWalletSpendAuthorized, nil)
	require.NoError(t, err)
	assert.Nil(t, del)

	list, err := store.ListDeliveries(context.Background(), "agent_none", 10)
	require.NoError(t, err)
	assert.Empty(t, list, "nothing persisted")
}

func TestFire_UnusableDestinationIsNoop(t *testing.T) {
	rc, srv := newReceiver(t, always(200), "")
	tests := []struct {
		name string
		dest Destination
	}{
		{"inactive", Destination{URL: srv.URL, Secret: testSecret, Active: false}},
		{"no secret", Destination{URL: srv.URL, Secret: "", Active: true}},
		{"filtered out", Destination{URL: srv.URL, Secret: testSecret, Active: true, Events: []EventType{EventOrderShipped}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, store, _ := newTestDispatcher(t)
			dest := tt.dest
			dest.TargetID = "agent_1"
			require.NoError(t, store.PutDestination(context.Background(), &dest))

			del, err := d.Fire(context.Background(), "agent_1", EventWalletSpendDeclined, map[string]interface{}{"reason": "x"})
			require.NoError(t, err)
			assert.Nil(t, del)
		})
	}
	assert.Zero(t, rc.hits.Load())
}

func TestFire_SignedEnvelope(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(http.StatusNoContent), "")
	register(t, store, "agent_1", srv.URL)

	del, err := d.Fire(context.Background(), "agent_1", EventWalletSpendAuthorized, map[string]interface{}{
		"walletId": "wal_1",
		"amount":   "3.000000",
	})
	require.NoError(t, err)
	require.NotNil(t, del)

	assert.Equal(t, DeliverySuccess, del.Status)
	assert.Equal(t, 1, del.Attempts)
	assert.Equal(t, http.StatusNoContent, del.LastStatusCode)
	assert.Nil(t, del.NextRetryAt)
	require.NotNil(t, del.DeliveredAt)
	assert.Equal(t, clk.Now(), *del.DeliveredAt)

	require.EqualValues(t, 1, rc.hits.Load())
	h := rc.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, string(EventWalletSpendAuthorized), h.Get(HeaderEvent))
	assert.Equal(t, del.ID, h.Get(HeaderDelivery))
	assert.True(t, strings.HasPrefix(h.Get(HeaderSignature), "sha256="))
	assert.True(t, Verify(rc.bodies[0], testSecret, h.Get(HeaderSignature)))

	var env Envelope
	require.NoError(t, json.Unmarshal(rc.bodies[0], &env))
	assert.Equal(t, EventWalletSpendAuthorized, env.Event)
	assert.Equal(t, "agent_1", env.BotID)
	assert.Equal(t, clk.Now().Format(time.RFC3339Nano), env.Timestamp)
	assert.Equal(t, "wal_1", env.Data["walletId"])

	stored, err := store.GetDelivery(context.Background(), del.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliverySuccess, stored.Status)
}

func TestDelivery_FailsAfterFiveAttempts(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(http.StatusInternalServerError), strings.Repeat("e", 2000))
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventWalletSpendDeclined, map[string]interface{}{"reason": "exceeds_daily_budget"})
	require.NoError(t, err)
	require.Equal(t, DeliveryPending, del.Status)
	require.Equal(t, 1, del.Attempts)
	require.NotNil(t, del.NextRetryAt)
	assert.Equal(t, clk.Now().Add(RetrySchedule[0]), *del.NextRetryAt)

	for i := 0; i < MaxAttempts-1; i++ {
		// Not due one second early.
		clk.Advance(RetrySchedule[i] - time.Second)
		n, err := d.RetryDue(ctx, 10)
		require.NoError(t, err)
		require.Zero(t, n, "attempt %d ran early", i+2)

		clk.Advance(time.Second)
		n, err = d.RetryDue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	got, err := store.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, got.Status)
	assert.Equal(t, MaxAttempts, got.Attempts)
	assert.Equal(t, http.StatusInternalServerError, got.LastStatusCode)
	assert.Len(t, got.LastResponseBody, 500)
	assert.Nil(t, got.NextRetryAt)
	assert.Nil(t, got.DeliveredAt)
	assert.EqualValues(t, MaxAttempts, rc.hits.Load())

	clk.Advance(24 * time.Hour)
	n, err := d.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "failed is terminal")
}

func TestDelivery_SucceedsOnThirdAttempt(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	rc, srv := newReceiver(t, func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}, "ok")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventPurchaseApproved, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		clk.Advance(RetrySchedule[i])
		_, err := d.RetryDue(ctx, 10)
		require.NoError(t, err)
	}

	got, err := store.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliverySuccess, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, http.StatusOK, got.LastStatusCode)
	assert.Equal(t, "ok", got.LastResponseBody)
	assert.EqualValues(t, 3, rc.hits.Load())
}

func TestDelivery_RetriesResendIdenticalBytes(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(http.StatusServiceUnavailable), "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventWalletBalanceLow, map[string]interface{}{"walletId": "wal_1", "b": 1, "a": 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		clk.Advance(RetrySchedule[i])
		_, err := d.RetryDue(ctx, 10)
		require.NoError(t, err)
	}

	require.EqualValues(t, 3, rc.hits.Load())
	for i := 1; i < 3; i++ {
		assert.Equal(t, rc.bodies[0], rc.bodies[i], "attempt %d body differs", i+1)
		assert.Equal(t, rc.headers[0].Get(HeaderSignature), rc.headers[i].Get(HeaderSignature))
	}
	assert.Equal(t, []byte(del.Payload), rc.bodies[0])
}

func TestRetryNow_RequiresDueDelivery(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	_, srv := newReceiver(t, always(500), "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventOrderFailed, nil)
	require.NoError(t, err)

	_, err = d.RetryNow(ctx, del.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = d.RetryNow(ctx, "dlv_missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)

	clk.Advance(RetrySchedule[0])
	got, err := d.RetryNow(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestRetryNow_AndSweepSendOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		d, store, clk := newTestDispatcher(t)
		rc, srv := newReceiver(t, func(n int) int {
			if n == 1 {
				return 500
			}
			return 200
		}, "")
		register(t, store, "agent_1", srv.URL)
		ctx := context.Background()

		del, err := d.Fire(ctx, "agent_1", EventOrderShipped, nil)
		require.NoError(t, err)
		clk.Advance(RetrySchedule[0])

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.RetryNow(ctx, del.ID)
			if err != nil && !errors.Is(err, ErrNotClaimable) {
				t.Errorf("RetryNow: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := d.RetryDue(ctx, 10); err != nil {
				t.Errorf("RetryDue: %v", err)
			}
		}()
		wg.Wait()

		require.EqualValues(t, 2, rc.hits.Load(), "one initial attempt plus exactly one retry")
		got, err := store.GetDelivery(ctx, del.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, DeliverySuccess, got.Status)
	}
}

func TestDelivery_DestinationDisabledBetweenAttempts(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	rc, srv := newReceiver(t, always(500), "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventWalletPaused, nil)
	require.NoError(t, err)

	dest, err := store.GetDestination(ctx, "agent_1")
	require.NoError(t, err)
	dest.Active = false
	require.NoError(t, store.PutDestination(ctx, dest))

	clk.Advance(RetrySchedule[0])
	n, err := d.RetryDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, got.Status)
	assert.Equal(t, 1, got.Attempts, "no attempt against a disabled destination")
	assert.EqualValues(t, 1, rc.hits.Load())
}

func TestDelivery_OpenCircuitPostponesWithoutSpendingAttempts(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	d.WithBreaker(circuitbreaker.New(1, time.Hour).WithClock(clk.Now))
	// The receiver fails once, then recovers.
	rc, srv := newReceiver(t, func(n int) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}, "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	_, err := d.Fire(ctx, "agent_1", EventOrderShipped, nil)
	require.NoError(t, err)

	second, err := d.Fire(ctx, "agent_1", EventOrderDelivered, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Attempts, "nothing was sent, so no attempt is spent")
	assert.Equal(t, DeliveryPending, second.Status)
	assert.Nil(t, second.LastAttemptAt)
	require.NotNil(t, second.NextRetryAt)
	assert.Equal(t, clk.Now().Add(time.Hour), *second.NextRetryAt, "waits for the circuit to reopen")
	assert.EqualValues(t, 1, rc.hits.Load())

	// Still open: a retry before the reopen time is not even claimable.
	clk.Advance(RetrySchedule[0])
	_, err = d.RetryNow(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	clk.Advance(time.Hour)
	got, err := d.RetryNow(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.Attempts, "the trial request is the delivery's first real attempt")
	assert.EqualValues(t, 2, rc.hits.Load())
}

func TestDelivery_OpenCircuitNeverExhaustsBudget(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	d.WithBreaker(circuitbreaker.New(1, time.Hour).WithClock(clk.Now))
	rc, srv := newReceiver(t, always(500), "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	_, err := d.Fire(ctx, "agent_1", EventOrderShipped, nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < MaxAttempts+2; i++ {
		del, err := d.Fire(ctx, "agent_1", EventOrderFailed, nil)
		require.NoError(t, err)
		ids = append(ids, del.ID)
	}
	for _, id := range ids {
		got, err := store.GetDelivery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, DeliveryPending, got.Status)
		assert.Zero(t, got.Attempts)
	}
	assert.EqualValues(t, 1, rc.hits.Load())
}

func TestDelivery_RetriesGoToURLCapturedAtFire(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	oldRC, oldSrv := newReceiver(t, func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}, "")
	newRC, newSrv := newReceiver(t, always(200), "")
	register(t, store, "agent_1", oldSrv.URL)
	ctx := context.Background()

	del, err := d.Fire(ctx, "agent_1", EventWalletSpendDeclined, map[string]interface{}{"reason": "exceeds_daily_budget"})
	require.NoError(t, err)
	assert.Equal(t, oldSrv.URL, del.DestinationURL)
	require.NotNil(t, del.LastAttemptAt)
	assert.Equal(t, clk.Now(), *del.LastAttemptAt)

	// The agent re-registers somewhere else before the retry is due.
	register(t, store, "agent_1", newSrv.URL)

	clk.Advance(RetrySchedule[0])
	n, err := d.RetryDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliverySuccess, got.Status)
	assert.Equal(t, oldSrv.URL, got.DestinationURL)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, clk.Now(), *got.LastAttemptAt)
	assert.EqualValues(t, 2, oldRC.hits.Load())
	assert.Zero(t, newRC.hits.Load())

	// New events follow the new registration.
	next, err := d.Fire(ctx, "agent_1", EventWalletActivated, nil)
	require.NoError(t, err)
	assert.Equal(t, newSrv.URL, next.DestinationURL)
	assert.EqualValues(t, 1, newRC.hits.Load())
}

func TestDelivery_UnsafeURLCountsAsAttempt(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	d.WithURLValidator(func(string) error { return errors.New("private addresses are not allowed") })
	rc, srv := newReceiver(t, always(200), "")
	register(t, store, "agent_1", srv.URL)

	del, err := d.Fire(context.Background(), "agent_1", EventWalletActivated, nil)
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, del.Status)
	assert.Contains(t, del.LastResponseBody, "private addresses")
	assert.Zero(t, rc.hits.Load())
}

func TestDelivery_ConnectionErrorIsStatusZero(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	register(t, store, "agent_1", url)

	del, err := d.Fire(context.Background(), "agent_1", EventWalletActivated, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, del.LastStatusCode)
	assert.NotEmpty(t, del.LastResponseBody)
	assert.Equal(t, 1, del.Attempts)
}

func TestRetryDue_BoundedBatch(t *testing.T) {
	d, store, clk := newTestDispatcher(t)
	d.WithWorkers(2)
	rc, srv := newReceiver(t, func(n int) int {
		if n <= 5 {
			return 500
		}
		return 200
	}, "")
	register(t, store, "agent_1", srv.URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := d.Fire(ctx, "agent_1", EventOrderShipped, nil)
		require.NoError(t, err)
	}
	clk.Advance(RetrySchedule[0])

	n, err := d.RetryDue(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = d.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 10, rc.hits.Load())
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"wallet.activated"}`)
	sig := Sign(payload, "s1")

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, Verify(payload, "s1", sig))
	assert.False(t, Verify(payload, "s2", sig))
	assert.False(t, Verify([]byte(`{"event":"wallet.paused"}`), "s1", sig))
}

func TestEnvelope_DeterministicEncoding(t *testing.T) {
	env := Envelope{
		Event:     EventWalletSpendDeclined,
		Timestamp: "2026-05-04T09:30:00Z",
		BotID:     "agent_1",
		Data:      map[string]interface{}{"z": 1, "a": "x", "reason": "domain_blocklisted"},
	}
	a, err := json.Marshal(env)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"event":"wallet.spend.declined","timestamp":"2026-05-04T09:30:00Z","bot_id":"agent_1","data":{"a":"x","reason":"domain_blocklisted","z":1}}`, string(a))
}
