package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

// WalletEventEmitter receives wallet lifecycle events.
type WalletEventEmitter interface {
	EmitWalletActivated(ctx context.Context, agentID, walletID, ownerID string)
	EmitWalletPaused(ctx context.Context, agentID, walletID, reason string)
}

// Handler provides HTTP endpoints for wallets and their ledger.
type Handler struct {
	ledger *Ledger
	events WalletEventEmitter
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// WithEvents attaches a webhook emitter.
func (h *Handler) WithEvents(events WalletEventEmitter) *Handler {
	h.events = events
	return h
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	ids := r.Group("/wallets/:id", validation.IDParamMiddleware("id"))
	ids.GET("", h.GetWallet)
	ids.GET("/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up owner-only wallet controls.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	ids := r.Group("/wallets/:id", validation.IDParamMiddleware("id"))
	ids.POST("/freeze", h.Freeze)
	ids.POST("/unfreeze", h.Unfreeze)
}

// CreateWalletRequest is the body of POST /v1/wallets.
type CreateWalletRequest struct {
	OwnerID string `json:"ownerId"`
	AgentID string `json:"agentId"`
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("ownerId", req.OwnerID),
		validation.Required("agentId", req.AgentID),
		validation.ValidID("ownerId", req.OwnerID),
		validation.ValidID("agentId", req.AgentID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	w, err := h.ledger.CreateWallet(c.Request.Context(), req.OwnerID, req.AgentID)
	if err != nil {
		h.logger.Error("create wallet failed", "owner_id", req.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create wallet"})
		return
	}
	if h.events != nil {
		h.events.EmitWalletActivated(c.Request.Context(), w.AgentID, w.ID, w.OwnerID)
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "balanceUsdc": usdc.Format(w.Balance)})
}

// ListTransactions handles GET /v1/wallets/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	id := c.Param("id")
	if _, err := h.ledger.GetWallet(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	txs, next, err := h.ledger.TransactionPage(c.Request.Context(), id, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	resp := gin.H{"transactions": txs, "count": len(txs), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Freeze handles POST /v1/wallets/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	w, err := h.ledger.SetWalletStatus(c.Request.Context(), c.Param("id"), WalletFrozen)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.events != nil {
		h.events.EmitWalletPaused(c.Request.Context(), w.AgentID, w.ID, "owner_paused")
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Unfreeze handles POST /v1/wallets/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	w, err := h.ledger.SetWalletStatus(c.Request.Context(), c.Param("id"), WalletActive)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Cursor is malformed"})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "ledger operation failed"})
	}
}
