package webhooks

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/security"
	"github.com/mbd888/spendgate/internal/validation"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	dispatcher   *Dispatcher
	urlValidator func(string) error
	sweepBatch   int
	logger       *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher:   dispatcher,
		urlValidator: security.ValidateEndpointURL,
		sweepBatch:   100,
		logger:       logger,
	}
}

// WithURLValidator replaces the registration-time URL check.
func (h *Handler) WithURLValidator(fn func(string) error) *Handler {
	h.urlValidator = fn
	return h
}

// RegisterRoutes sets up agent webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/agents/:agentId/webhook", validation.IDParamMiddleware("agentId"))
	g.PUT("", h.PutDestination)
	g.GET("", h.GetDestination)
	g.DELETE("", h.DeleteDestination)
	g.GET("/deliveries", h.ListDeliveries)
}

// RegisterAdminRoutes sets up operator routes for retries.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/deliveries/:id/retry", validation.IDParamMiddleware("id"), h.RetryDelivery)
	r.POST("/webhooks/sweep", h.Sweep)
}

// PutDestinationRequest registers or replaces an agent's endpoint.
type PutDestinationRequest struct {
	URL          string   `json:"url"`
	Events       []string `json:"events"`
	Active       *bool    `json:"active"`
	RotateSecret bool     `json:"rotateSecret"`
}

// PutDestination handles PUT /v1/agents/:agentId/webhook. The signing
// secret is returned only when it is generated.
func (h *Handler) PutDestination(c *gin.Context) {
	agentID := c.Param("agentId")

	var req PutDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if h.urlValidator != nil {
		if err := h.urlValidator(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
			return
		}
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !IsKnownEvent(et) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": "Unknown event type: " + e})
			return
		}
		events = append(events, et)
	}

	ctx := c.Request.Context()
	store := h.dispatcher.Store()
	now := time.Now().UTC()

	dest, err := store.GetDestination(ctx, agentID)
	status := http.StatusOK
	switch {
	case errors.Is(err, ErrDestinationNotFound):
		dest = &Destination{TargetID: agentID, Active: true, CreatedAt: now}
		status = http.StatusCreated
	case err != nil:
		h.logger.Error("load webhook destination failed", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load webhook"})
		return
	}

	dest.URL = req.URL
	dest.Events = events
	if req.Active != nil {
		dest.Active = *req.Active
	}
	dest.UpdatedAt = now

	var newSecret string
	if dest.Secret == "" || req.RotateSecret {
		newSecret = idgen.WithPrefix(idgen.PrefixSecret) + idgen.Hex(20)
		dest.Secret = newSecret
	}

	if err := store.PutDestination(ctx, dest); err != nil {
		h.logger.Error("save webhook destination failed", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save webhook"})
		return
	}

	resp := gin.H{"webhook": dest}
	if newSecret != "" {
		resp["secret"] = newSecret
		resp["message"] = "Store this secret securely. It will not be shown again."
	}
	c.JSON(status, resp)
}

// GetDestination handles GET /v1/agents/:agentId/webhook
func (h *Handler) GetDestination(c *gin.Context) {
	dest, err := h.dispatcher.Store().GetDestination(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": dest})
}

// DeleteDestination handles DELETE /v1/agents/:agentId/webhook
func (h *Handler) DeleteDestination(c *gin.Context) {
	if err := h.dispatcher.Store().DeleteDestination(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListDeliveries handles GET /v1/agents/:agentId/webhook/deliveries
func (h *Handler) ListDeliveries(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	deliveries, err := h.dispatcher.Store().ListDeliveries(c.Request.Context(), c.Param("agentId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}

// RetryDelivery handles POST /v1/admin/webhooks/deliveries/:id/retry
func (h *Handler) RetryDelivery(c *gin.Context) {
	del, err := h.dispatcher.RetryNow(c.Request.Context(), c.Param("id"))
	if err != nil && del == nil {
		respondError(c, err)
		return
	}
	if err != nil {
		h.logger.Warn("manual webhook retry not recorded", "delivery_id", del.ID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"delivery": del})
}

// Sweep handles POST /v1/admin/webhooks/sweep
func (h *Handler) Sweep(c *gin.Context) {
	limit := h.sweepBatch
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	n, err := h.dispatcher.RetryDue(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempted": n})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDestinationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not registered"})
	case errors.Is(err, ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Delivery not found"})
	case errors.Is(err, ErrNotClaimable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_claimable", "message": "Delivery is not due or is already being attempted"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook operation failed"})
	}
}
