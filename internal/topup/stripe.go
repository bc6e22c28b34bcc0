package topup

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/usdc"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"

	// WalletMetadataKey is the Checkout Session metadata key naming the wallet to fund.
	WalletMetadataKey = "wallet_id"

	maxStripeBody = 65536
)

// StripeHandler receives Stripe webhooks.
//
// Stripe retries any non-2xx response for days, so events that can never
// succeed (wrong type, unpaid, unknown wallet) are acknowledged with 200
// and logged. Only infrastructure failures return 5xx.
type StripeHandler struct {
	svc    *Service
	secret string
	logger *slog.Logger
}

// NewStripeHandler creates the receiver. secret is the endpoint signing
// secret (whsec_...) from the Stripe dashboard.
func NewStripeHandler(svc *Service, secret string, logger *slog.Logger) *StripeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeHandler{svc: svc, secret: secret, logger: logger}
}

// RegisterRoutes sets up the Stripe callback route.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/topups/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/topups/stripe
func (h *StripeHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripeBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return
	}
	evt, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.TopupsTotal.WithLabelValues("bad_signature").Inc()
		h.logger.Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	if string(evt.Type) != eventCheckoutCompleted {
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	var sess stripe.CheckoutSession
	if evt.Data == nil || json.Unmarshal(evt.Data.Raw, &sess) != nil {
		h.logger.Error("stripe checkout session undecodable", "event_id", evt.ID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed checkout session"})
		return
	}

	t, skip := h.topupFromSession(&sess)
	if skip != "" {
		metrics.TopupsTotal.WithLabelValues("ignored").Inc()
		h.logger.Warn("stripe checkout ignored", "session_id", sess.ID, "reason", skip)
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false, "reason": skip})
		return
	}

	st, err := h.svc.Credit(c.Request.Context(), t)
	switch {
	case errors.Is(err, ErrDuplicate):
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": true, "duplicate": true})
	case errors.Is(err, ledger.ErrWalletNotFound):
		h.logger.Error("CRITICAL: paid checkout for unknown wallet",
			"session_id", sess.ID, "wallet_id", t.WalletID, "amount", t.AmountMicro)
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false, "reason": "unknown_wallet"})
	case err != nil:
		h.logger.Error("stripe top-up credit failed", "session_id", sess.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Credit failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": true, "newBalanceMicro": st.NewBalance})
	}
}

// topupFromSession returns a non-empty skip reason when sess must not be credited.
func (h *StripeHandler) topupFromSession(sess *stripe.CheckoutSession) (Topup, string) {
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Topup{}, "not_paid"
	}
	if sess.Currency != "" && !strings.EqualFold(string(sess.Currency), string(stripe.CurrencyUSD)) {
		return Topup{}, "unsupported_currency"
	}
	walletID := sess.Metadata[WalletMetadataKey]
	if walletID == "" {
		walletID = sess.ClientReferenceID
	}
	if walletID == "" {
		return Topup{}, "missing_wallet"
	}
	if sess.AmountTotal <= 0 {
		return Topup{}, "zero_amount"
	}
	return Topup{
		WalletID:    walletID,
		AmountMicro: usdc.CentsToMicro(sess.AmountTotal),
		Reference:   sess.ID,
	}, ""
}
