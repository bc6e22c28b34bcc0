package guardrail

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for policy configuration.
type Handler struct {
	store Store
}

// NewHandler creates a new policy handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:agentId/policy", h.GetAgentPolicy)
	r.PUT("/agents/:agentId/policy", h.PutAgentPolicy)
	r.GET("/owners/:ownerId/policy", h.GetMasterPolicy)
	r.PUT("/owners/:ownerId/policy", h.PutMasterPolicy)
}

// GetAgentPolicy handles GET /v1/agents/:agentId/policy
func (h *Handler) GetAgentPolicy(c *gin.Context) {
	p, err := h.store.GetAgentPolicy(c.Request.Context(), c.Param("agentId"))
	h.respond(c, p, err)
}

// GetMasterPolicy handles GET /v1/owners/:ownerId/policy
func (h *Handler) GetMasterPolicy(c *gin.Context) {
	p, err := h.store.GetMasterPolicy(c.Request.Context(), c.Param("ownerId"))
	h.respond(c, p, err)
}

// PutAgentPolicy handles PUT /v1/agents/:agentId/policy
func (h *Handler) PutAgentPolicy(c *gin.Context) {
	p, ok := bindPolicy(c)
	if !ok {
		return
	}
	if err := h.store.PutAgentPolicy(c.Request.Context(), c.Param("agentId"), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// PutMasterPolicy handles PUT /v1/owners/:ownerId/policy
func (h *Handler) PutMasterPolicy(c *gin.Context) {
	p, ok := bindPolicy(c)
	if !ok {
		return
	}
	if p.RequireApprovalAboveUSD != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": "master policy cannot set requireApprovalAboveUsdc",
		})
		return
	}
	if err := h.store.PutMasterPolicy(c.Request.Context(), c.Param("ownerId"), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

func bindPolicy(c *gin.Context) (*Policy, bool) {
	var p Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return nil, false
	}
	if err := Validate(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return nil, false
	}
	Normalize(&p)
	p.UpdatedAt = time.Now().UTC()
	return &p, true
}

func (h *Handler) respond(c *gin.Context, p *Policy, err error) {
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}
