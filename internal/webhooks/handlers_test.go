package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *Dispatcher, *MemoryStore, *fakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d, store, clk := newTestDispatcher(t)
	h := NewHandler(d, testLogger()).WithURLValidator(func(u string) error {
		if u == "http://10.0.0.1/hook" {
			return errors.New("private addresses are not allowed")
		}
		return nil
	})
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, d, store, clk
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestHandler_RegisterReturnsSecretOnce(t *testing.T) {
	r, _, store, _ := setupRouter(t)

	w := doJSON(r, http.MethodPut, "/v1/agents/agent_1/webhook", gin.H{"url": "https://hooks.example.com/a"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	secret, _ := first["secret"].(string)
	require.NotEmpty(t, secret)

	dest, err := store.GetDestination(context.Background(), "agent_1")
	require.NoError(t, err)
	assert.Equal(t, secret, dest.Secret)
	assert.True(t, dest.Active)

	w = doJSON(r, http.MethodPut, "/v1/agents/agent_1/webhook", gin.H{"url": "https://hooks.example.com/b", "events": []string{"order.shipped"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w), "secret")

	dest, err = store.GetDestination(context.Background(), "agent_1")
	require.NoError(t, err)
	assert.Equal(t, secret, dest.Secret, "secret kept without rotation")
	assert.Equal(t, []EventType{EventOrderShipped}, dest.Events)

	w = doJSON(r, http.MethodPut, "/v1/agents/agent_1/webhook", gin.H{"url": "https://hooks.example.com/b", "rotateSecret": true})
	require.Equal(t, http.StatusOK, w.Code)
	rotated, _ := decode(t, w)["secret"].(string)
	assert.NotEmpty(t, rotated)
	assert.NotEqual(t, secret, rotated)

	w = doJSON(r, http.MethodGet, "/v1/agents/agent_1/webhook", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), rotated)
}

func TestHandler_RegisterValidation(t *testing.T) {
	r, _, _, _ := setupRouter(t)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"missing url", gin.H{}, "validation_failed"},
		{"private url", gin.H{"url": "http://10.0.0.1/hook"}, "invalid_url"},
		{"unknown event", gin.H{"url": "https://hooks.example.com", "events": []string{"wallet.exploded"}}, "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPut, "/v1/agents/agent_1/webhook", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}

	w := doJSON(r, http.MethodPut, "/v1/agents/bad%20id/webhook", gin.H{"url": "https://hooks.example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DeleteStopsDelivery(t *testing.T) {
	r, d, _, _ := setupRouter(t)

	w := doJSON(r, http.MethodPut, "/v1/agents/agent_1/webhook", gin.H{"url": "https://hooks.example.com/a"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/agents/agent_1/webhook", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/agents/agent_1/webhook", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	del, err := d.Fire(context.Background(), "agent_1", EventWalletActivated, nil)
	require.NoError(t, err)
	assert.Nil(t, del)

	w = doJSON(r, http.MethodDelete, "/v1/agents/agent_1/webhook", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_DeliveriesAndRetry(t *testing.T) {
	r, d, store, clk := setupRouter(t)
	rc, srv := newReceiver(t, func(n int) int {
		if n == 1 {
			return 500
		}
		return 200
	}, "")
	register(t, store, "agent_1", srv.URL)

	del, err := d.Fire(context.Background(), "agent_1", EventOrderShipped, nil)
	require.NoError(t, err)

	w := doJSON(r, http.MethodGet, "/v1/agents/agent_1/webhook/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks/deliveries/"+del.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "not due yet")

	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks/deliveries/dlv_nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	clk.Advance(RetrySchedule[0])
	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks/deliveries/"+del.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)["delivery"].(map[string]interface{})
	assert.Equal(t, "success", got["status"])
	assert.EqualValues(t, 2, rc.hits.Load())

	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["attempted"])
}
