// Package ratelimit provides fixed-window rate limiting for the spendgate API.
//
// Counters live behind CounterStore so several API instances can share one
// budget through Postgres; a single instance can use the in-memory store.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerWindow is the max requests per key per window
	RequestsPerWindow int
	// Window is the length of one counting window
	Window time.Duration
	// CleanupInterval is how often stale windows are pruned
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 120,
		Window:            time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// CounterStore increments the counter for key in the window starting at
// windowStart and returns the new count.
type CounterStore interface {
	Incr(ctx context.Context, key string, windowStart time.Time) (int, error)
	// Prune drops windows that started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces a per-key request budget per window.
type Limiter struct {
	cfg    Config
	store  CounterStore
	logger *slog.Logger
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// New creates a limiter backed by store. A nil store uses memory.
func New(cfg Config, store CounterStore, logger *slog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if store == nil {
		store = NewMemoryCounter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// StartCleanup prunes old windows until Stop is called. Call in a goroutine.
func (l *Limiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.windowStart(l.now()).Add(-l.cfg.Window)
			if err := l.store.Prune(ctx, cutoff); err != nil {
				l.logger.Warn("rate limit prune failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(l.cfg.Window)
}

// Allow counts one request for key. Store failures fail open: a broken
// counter must not take the payment API down with it.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	start := l.windowStart(l.now())
	d := Decision{Limit: l.cfg.RequestsPerWindow, ResetAt: start.Add(l.cfg.Window)}

	n, err := l.store.Incr(ctx, key, start)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", "key", key, "error", err)
		d.Allowed = true
		d.Remaining = d.Limit
		return d
	}
	d.Allowed = n <= d.Limit
	if d.Remaining = d.Limit - n; d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

// Middleware returns a Gin middleware that rate limits by client.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		// Authenticated callers get their own bucket.
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		d := l.Allow(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := int(d.ResetAt.Sub(l.now()).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
