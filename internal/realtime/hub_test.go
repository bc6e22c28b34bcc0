package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/spendgate/internal/approval"
	"github.com/mbd888/spendgate/internal/authorize"
)

var _ authorize.Notifier = (*Hub)(nil)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func record(owner, wallet string, amount int64) *approval.Record {
	return &approval.Record{
		ID:          "apr_1",
		WalletID:    wallet,
		AgentID:     "agent_1",
		OwnerID:     owner,
		AmountMicro: amount,
		Status:      approval.StatusPending,
		ExpiresAt:   time.Now().Add(approval.DefaultTTL),
	}
}

func notice(owner, wallet string, amount int64) *Event {
	return &Event{
		Type:    EventApprovalRequested,
		OwnerID: owner,
		Data:    &ApprovalNotice{Approval: record(owner, wallet, amount), Token: "tok"},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_OwnerScope(t *testing.T) {
	h := testHub()
	client := &Client{ownerID: "owner_1"}

	if !h.shouldSend(client, notice("owner_1", "wal_1", 1)) {
		t.Error("owner should receive own notices")
	}
	if h.shouldSend(client, notice("owner_2", "wal_2", 1)) {
		t.Error("owner must never receive another owner's notices")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{ownerID: "owner_1", sub: Subscription{
		EventTypes: []EventType{EventApprovalResolved},
	}}

	requested := notice("owner_1", "wal_1", 1)
	resolved := &Event{Type: EventApprovalResolved, OwnerID: "owner_1"}

	if h.shouldSend(client, requested) {
		t.Error("Should NOT receive approval_requested")
	}
	if !h.shouldSend(client, resolved) {
		t.Error("Should receive approval_resolved")
	}
}

func TestShouldSend_WalletAndAmountFilters(t *testing.T) {
	h := testHub()
	client := &Client{ownerID: "owner_1", sub: Subscription{
		WalletIDs:      []string{"wal_1"},
		MinAmountMicro: 5_000_000,
	}}

	if !h.shouldSend(client, notice("owner_1", "wal_1", 5_000_000)) {
		t.Error("Should match wallet at the minimum amount")
	}
	if h.shouldSend(client, notice("owner_1", "wal_2", 9_000_000)) {
		t.Error("Should NOT match other wallets")
	}
	if h.shouldSend(client, notice("owner_1", "wal_1", 4_999_999)) {
		t.Error("Should NOT match below the minimum amount")
	}
}

func TestShouldSend_NonApprovalData(t *testing.T) {
	h := testHub()
	client := &Client{ownerID: "owner_1", sub: Subscription{WalletIDs: []string{"wal_1"}}}

	event := &Event{Type: EventApprovalResolved, OwnerID: "owner_1", Data: "plain"}
	if !h.shouldSend(client, event) {
		t.Error("Data without an approval should pass the wallet filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, ownerID: "owner_1", send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifierRoutesByOwner(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	mine := &Client{hub: h, ownerID: "owner_1", send: make(chan []byte, 256)}
	theirs := &Client{hub: h, ownerID: "owner_2", send: make(chan []byte, 256)}
	h.register <- mine
	h.register <- theirs

	h.ApprovalRequested(ctx, record("owner_1", "wal_1", 3_000_000), "secret-token")

	select {
	case msg := <-mine.send:
		var got struct {
			Type EventType      `json:"type"`
			Data ApprovalNotice `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if got.Type != EventApprovalRequested || got.Data.Token != "secret-token" {
			t.Errorf("unexpected notice: %s", msg)
		}
		if got.Data.Approval == nil || got.Data.Approval.AmountMicro != 3_000_000 {
			t.Errorf("approval missing from notice: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notice")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case msg := <-theirs.send:
		t.Errorf("other owner received %s", msg)
	default:
	}
}

func TestHub_ResolvedCarriesNoToken(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, ownerID: "owner_1", send: make(chan []byte, 256)}
	h.register <- client

	rec := record("owner_1", "wal_1", 1)
	rec.Status = approval.StatusApproved
	h.ApprovalResolved(ctx, rec)

	select {
	case msg := <-client.send:
		if strings.Contains(string(msg), "token") {
			t.Errorf("resolved notice must not carry a token: %s", msg)
		}
		if !strings.Contains(string(msg), `"approval_resolved"`) {
			t.Errorf("unexpected notice: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notice")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/owners/owner_1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("client never registered")
	}

	h.ApprovalRequested(ctx, record("owner_2", "wal_9", 1), "not-yours")
	h.ApprovalRequested(ctx, record("owner_1", "wal_1", 2_000_000), "yours")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"token":"yours"`) {
		t.Errorf("expected owner_1's notice first, got %s", msg)
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/owners/owner_1/stream", nil))
	if w.Code != 503 {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}
