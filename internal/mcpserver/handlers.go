package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// Response shapes the tools read. Only the fields shown to the model are
// decoded.

type spendResponse struct {
	Outcome     string       `json:"outcome"`
	Reason      string       `json:"reason"`
	Transaction *transaction `json:"transaction"`
	Approval    *approval    `json:"approval"`
	NewBalance  *int64       `json:"newBalanceMicro"`
}

type transaction struct {
	ID     string `json:"id"`
	Amount int64  `json:"amountMicro"`
	Status string `json:"status"`
}

type approval struct {
	ID          string     `json:"id"`
	AmountMicro int64      `json:"amountMicro"`
	ProductName string     `json:"productName"`
	Merchant    string     `json:"merchant"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	DecidedAt   *time.Time `json:"decidedAt"`
}

type walletResponse struct {
	Wallet struct {
		ID      string `json:"id"`
		Balance int64  `json:"balanceMicro"`
		Status  string `json:"status"`
	} `json:"wallet"`
}

// HandleRequestSpend submits a purchase for authorization.
func (h *Handlers) HandleRequestSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := strings.TrimSpace(req.GetString("amount", ""))
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	if micro, ok := usdc.Parse(amount); !ok || micro <= 0 {
		return mcp.NewToolResultError(fmt.Sprintf("amount %q is not a positive USDC amount", amount)), nil
	}

	raw, err := h.client.RequestSpend(ctx, SpendInput{
		Amount:         amount,
		Merchant:       req.GetString("merchant", ""),
		ResourceURL:    req.GetString("resource_url", ""),
		ProductName:    req.GetString("product_name", ""),
		ProductLocator: req.GetString("product_locator", ""),
		Description:    req.GetString("description", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Spend request failed: %v", err)), nil
	}

	text, err := formatSpend(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse spend result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetApprovalStatus reports on a parked spend.
func (h *Handlers) HandleGetApprovalStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("approval_id", ""))
	if id == "" {
		return mcp.NewToolResultError("approval_id is required"), nil
	}

	raw, err := h.client.GetApproval(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get approval: %v", err)), nil
	}

	var resp struct {
		Approval *approval `json:"approval"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Approval == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approval: %s", string(raw))), nil
	}
	return mcp.NewToolResultText(formatApproval(resp.Approval)), nil
}

// HandleCheckBalance returns the wallet's USDC balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWallet(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp walletResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("USDC Balance:\n")
	fmt.Fprintf(&sb, "  Wallet:    %s\n", resp.Wallet.ID)
	fmt.Fprintf(&sb, "  Available: %s USDC\n", usdc.Format(resp.Wallet.Balance))
	fmt.Fprintf(&sb, "  Status:    %s\n", resp.Wallet.Status)
	return mcp.NewToolResultText(sb.String()), nil
}

func formatSpend(raw json.RawMessage) (string, error) {
	var resp spendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Outcome == "" {
		return "", fmt.Errorf("no outcome in response: %s", string(raw))
	}

	var sb strings.Builder
	switch resp.Outcome {
	case "allowed":
		sb.WriteString("Spend ALLOWED. The payment has been made.\n")
		if resp.Transaction != nil {
			fmt.Fprintf(&sb, "  Transaction: %s\n", resp.Transaction.ID)
			fmt.Fprintf(&sb, "  Amount:      %s USDC\n", usdc.Format(resp.Transaction.Amount))
		}
		if resp.NewBalance != nil {
			fmt.Fprintf(&sb, "  Balance now: %s USDC\n", usdc.Format(*resp.NewBalance))
		}
	case "pending_approval":
		sb.WriteString("Spend PENDING APPROVAL. Your owner has been asked to approve it.\n")
		if a := resp.Approval; a != nil {
			fmt.Fprintf(&sb, "  Approval ID: %s\n", a.ID)
			fmt.Fprintf(&sb, "  Amount:      %s USDC\n", usdc.Format(a.AmountMicro))
			fmt.Fprintf(&sb, "  Expires at:  %s\n", a.ExpiresAt.UTC().Format(time.RFC3339))
		}
		sb.WriteString("Use get_approval_status with this approval_id to follow up.\n")
	default:
		fmt.Fprintf(&sb, "Spend %s.\n", strings.ToUpper(resp.Outcome))
		if resp.Reason != "" {
			fmt.Fprintf(&sb, "  Reason: %s\n", resp.Reason)
		}
		sb.WriteString("Do not retry this purchase unless the situation changes.\n")
	}
	return sb.String(), nil
}

func formatApproval(a *approval) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Approval %s: %s\n", a.ID, a.Status)
	fmt.Fprintf(&sb, "  Amount: %s USDC\n", usdc.Format(a.AmountMicro))
	if a.ProductName != "" {
		fmt.Fprintf(&sb, "  Product: %s\n", a.ProductName)
	}
	if a.Merchant != "" {
		fmt.Fprintf(&sb, "  Merchant: %s\n", a.Merchant)
	}
	switch a.Status {
	case "pending":
		fmt.Fprintf(&sb, "  Expires at: %s\n", a.ExpiresAt.UTC().Format(time.RFC3339))
	case "approved":
		sb.WriteString("  Your owner approved the purchase.\n")
	case "rejected", "expired":
		sb.WriteString("  The purchase will not be paid.\n")
	}
	if a.DecidedAt != nil {
		fmt.Fprintf(&sb, "  Decided at: %s\n", a.DecidedAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
