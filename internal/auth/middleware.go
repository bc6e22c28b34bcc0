// Package auth guards operator-only routes.
//
// Agents and owners are not authenticated here: credential provisioning
// lives outside spendgate. The only secret this package knows about is the
// operator's admin secret, sent as X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set on the gin context once the admin secret matched.
const ContextKeyAdmin = "authAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
//
// An empty secret leaves the route open (development only; config
// validation refuses an empty ADMIN_SECRET in production). A warning is
// logged once when that happens.
func RequireAdmin(secret string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if secret == "" {
		logger.Warn("ADMIN_SECRET not set: admin routes are unauthenticated")
		return func(c *gin.Context) {
			c.Set(ContextKeyAdmin, true)
			c.Next()
		}
	}

	want := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the X-Admin-Secret header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin admitted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
