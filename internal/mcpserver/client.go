package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for reaching the spendgate API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // Optional bearer token for a fronting gateway
	WalletID string // The wallet this agent spends from
}

// Client is a pure HTTP client for the spendgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the spendgate API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SpendInput is the body of a spend request.
type SpendInput struct {
	Amount         string `json:"amount"`
	Merchant       string `json:"merchant,omitempty"`
	ResourceURL    string `json:"resourceUrl,omitempty"`
	ProductName    string `json:"productName,omitempty"`
	ProductLocator string `json:"productLocator,omitempty"`
	Description    string `json:"description,omitempty"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// RequestSpend asks spendgate to authorize a purchase from the configured wallet.
func (c *Client) RequestSpend(ctx context.Context, in SpendInput) (json.RawMessage, error) {
	path := "/v1/wallets/" + url.PathEscape(c.cfg.WalletID) + "/spend"
	return c.doRequest(ctx, http.MethodPost, path, in)
}

// GetApproval returns the current state of a parked spend.
func (c *Client) GetApproval(ctx context.Context, approvalID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(approvalID), nil)
}

// GetWallet returns the configured wallet with its balance.
func (c *Client) GetWallet(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(c.cfg.WalletID), nil)
}
