package authorize

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/approval"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

// Handler exposes the pipeline over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new authorization handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up agent-facing and approval routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	w := r.Group("/wallets/:id", validation.IDParamMiddleware("id"))
	w.POST("/spend", h.Spend)
	w.POST("/orders/:orderId/events", validation.IDParamMiddleware("orderId"), h.OrderEvent)

	r.POST("/approvals/decide", h.Decide)
	r.GET("/approvals/:id", validation.IDParamMiddleware("id"), h.GetApproval)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/payments", validation.IDParamMiddleware("id"), h.RecordPayment)
}

// SpendRequestBody is the body of POST /v1/wallets/:id/spend. Amount is a
// decimal USDC string; amountMicro takes precedence when set.
type SpendRequestBody struct {
	Amount         string `json:"amount"`
	AmountMicro    int64  `json:"amountMicro"`
	Merchant       string `json:"merchant"`
	ResourceURL    string `json:"resourceUrl"`
	ProductName    string `json:"productName"`
	ProductLocator string `json:"productLocator"`
	Description    string `json:"description"`
}

// Spend handles POST /v1/wallets/:id/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	amount := req.AmountMicro
	if amount == 0 {
		amount, _ = usdc.Parse(req.Amount)
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.PositiveMicro("amount", amount),
		validation.MaxLength("merchant", req.Merchant, validation.MaxStringLength),
		validation.MaxLength("resourceUrl", req.ResourceURL, validation.MaxStringLength),
		validation.MaxLength("productName", req.ProductName, validation.MaxStringLength),
		validation.MaxLength("productLocator", req.ProductLocator, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	res, err := h.svc.Authorize(c.Request.Context(), SpendRequest{
		WalletID:       c.Param("id"),
		AmountMicro:    amount,
		Merchant:       strings.TrimSpace(req.Merchant),
		ResourceURL:    strings.TrimSpace(req.ResourceURL),
		ProductName:    validation.SanitizeString(req.ProductName, validation.MaxStringLength),
		ProductLocator: strings.TrimSpace(req.ProductLocator),
		Description:    validation.SanitizeString(req.Description, validation.MaxStringLength),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == OutcomePendingApproval {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// DecideRequest is the body of POST /v1/approvals/decide.
type DecideRequest struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	Token      string `json:"token"`
	DecidedBy  string `json:"decided_by"`
}

// Decide handles POST /v1/approvals/decide. The token binds the caller to
// this one approval.
func (h *Handler) Decide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("approval_id", req.ApprovalID),
		validation.ValidID("approval_id", req.ApprovalID),
		validation.Required("token", req.Token),
		validation.MaxLength("decided_by", req.DecidedBy, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.svc.VerifyApprovalToken(req.ApprovalID, req.Token); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Token is not valid for this approval"})
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "owner"
	}

	res, err := h.svc.ResolveApproval(c.Request.Context(), req.ApprovalID, approval.Decision(req.Decision), decidedBy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetApproval handles GET /v1/approvals/:id
func (h *Handler) GetApproval(c *gin.Context) {
	rec, err := h.svc.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": rec})
}

// OrderEventRequest is the body of POST /v1/wallets/:id/orders/:orderId/events.
type OrderEventRequest struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// OrderEvent handles POST /v1/wallets/:id/orders/:orderId/events
func (h *Handler) OrderEvent(c *gin.Context) {
	var req OrderEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	err := h.svc.RecordOrderEvent(c.Request.Context(), c.Param("id"), c.Param("orderId"),
		req.Status, validation.SanitizeString(req.Detail, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// PaymentRequest is the body of POST /v1/admin/wallets/:id/payments.
type PaymentRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// RecordPayment handles POST /v1/admin/wallets/:id/payments
func (h *Handler) RecordPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	amount, _ := usdc.Parse(req.Amount)

	st, err := h.svc.RecordPayment(c.Request.Context(), c.Param("id"), amount, req.Reference)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Approval not found"})
	case errors.Is(err, approval.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "already_decided", "message": "Approval was already decided"})
	case errors.Is(err, approval.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "expired", "message": "Approval expired"})
	case errors.Is(err, approval.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrUnknownOrderStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ledger.ErrDuplicateCredit):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference", "message": "Payment reference already recorded"})
	default:
		h.logger.Error("authorization request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
