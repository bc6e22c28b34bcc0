// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/spendgate/internal/approval"
	"github.com/mbd888/spendgate/internal/auth"
	"github.com/mbd888/spendgate/internal/authorize"
	"github.com/mbd888/spendgate/internal/config"
	"github.com/mbd888/spendgate/internal/guardrail"
	"github.com/mbd888/spendgate/internal/health"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/ratelimit"
	"github.com/mbd888/spendgate/internal/realtime"
	"github.com/mbd888/spendgate/internal/reconciliation"
	"github.com/mbd888/spendgate/internal/security"
	"github.com/mbd888/spendgate/internal/topup"
	"github.com/mbd888/spendgate/internal/traces"
	"github.com/mbd888/spendgate/internal/validation"
	"github.com/mbd888/spendgate/internal/webhooks"
	"github.com/mbd888/spendgate/migrations"
)

// Version is reported by /health. Overridden by cmd/server from ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	policies       guardrail.Store
	ledger         *ledger.Ledger
	approvals      *approval.Manager
	authorizer     *authorize.Service
	webhooks       *webhooks.Dispatcher
	emitter        *webhooks.Emitter
	webhookTimer   *webhooks.Timer
	realtimeHub    *realtime.Hub
	topups         *topup.Service
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	db            *sql.DB // nil if using in-memory
	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration
	webhookClient *http.Client
	clock         func() time.Time

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// WithWebhookClient overrides the HTTP client used for webhook delivery (for testing).
func WithWebhookClient(c *http.Client) Option {
	return func(s *Server) {
		s.webhookClient = c
	}
}

// WithClock overrides the time source of every time-dependent component (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.clock = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	var (
		ledgerStore   ledger.Store
		approvalStore approval.Store
		webhookStore  webhooks.Store
		counterStore  ratelimit.CounterStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.policies = guardrail.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		approvalStore = approval.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		counterStore = ratelimit.NewPostgresCounter(db)
		s.health.Register("database", health.DBChecker("database", db))
	} else {
		s.policies = guardrail.NewMemoryStore()
		memLedger := ledger.NewMemoryStore()
		if s.clock != nil {
			memLedger.WithClock(s.clock)
		}
		ledgerStore = memLedger
		approvalStore = approval.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		counterStore = ratelimit.NewMemoryCounter()
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	if cfg.PolicySeedFile != "" {
		seed, err := guardrail.LoadSeedFile(cfg.PolicySeedFile)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to load policy seed file: %w", err)
		}
		if err := seed.Apply(ctx, s.policies); err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to apply policy seed file: %w", err)
		}
		s.logger.Info("policy seed applied",
			"file", cfg.PolicySeedFile,
			"agents", len(seed.Agents),
			"owners", len(seed.Owners),
		)
	}

	s.ledger = ledger.New(ledgerStore, s.logger).WithReservationWindow(cfg.ApprovalTTL)

	// Webhooks: dispatcher, async emitter and the retry sweep
	s.webhooks = webhooks.NewDispatcher(webhookStore, s.logger).
		WithTimeout(cfg.WebhookTimeout).
		WithURLValidator(security.EndpointValidator(cfg.AllowPrivateWebhooks))
	if s.webhookClient != nil {
		s.webhooks.WithHTTPClient(s.webhookClient)
	}
	s.emitter = webhooks.NewEmitter(s.webhooks, s.logger)
	s.webhookTimer = webhooks.NewTimer(s.webhooks, cfg.WebhookSweepInterval, cfg.WebhookSweepBatch, s.logger)
	s.health.Register("webhook_sweep", health.LoopChecker("webhook_sweep", s.webhookTimer.Running))

	// Owner notifications
	s.realtimeHub = realtime.NewHub(s.logger)

	// Approvals and the authorization pipeline
	s.approvals = approval.NewManager(approvalStore, s.logger).WithTTL(cfg.ApprovalTTL)
	secret := cfg.ApprovalTokenSecret
	if secret == "" {
		// Tokens signed with this key die with the process.
		secret = idgen.Hex(32)
		s.logger.Warn("APPROVAL_TOKEN_SECRET not set: using an ephemeral secret")
	}
	s.authorizer = authorize.NewService(s.policies, s.ledger, s.approvals, s.emitter, s.realtimeHub, s.logger).
		WithTokenSecret([]byte(secret)).
		WithLowBalanceThreshold(cfg.LowBalanceThreshold)

	if s.clock != nil {
		s.ledger.WithClock(s.clock)
		s.approvals.WithClock(s.clock)
		s.webhooks.WithClock(s.clock)
		s.authorizer.WithClock(s.clock)
	}

	s.topups = topup.NewService(s.ledger, s.emitter, s.logger)

	// Reconciliation
	s.reconciler = reconciliation.NewService(ledgerStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", health.LoopChecker("reconciliation", s.reconcileTimer.Running))

	if cfg.RateLimitPerMinute > 0 {
		rlCfg := ratelimit.DefaultConfig()
		rlCfg.RequestsPerWindow = cfg.RateLimitPerMinute
		s.rateLimiter = ratelimit.New(rlCfg, counterStore, s.logger)
	}

	// Setup Gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger).WithEvents(s.emitter)
	ledgerHandler.RegisterRoutes(v1)

	guardrail.NewHandler(s.policies).RegisterRoutes(v1)

	authorizeHandler := authorize.NewHandler(s.authorizer, s.logger)
	authorizeHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.webhooks, s.logger).
		WithURLValidator(security.EndpointValidator(s.cfg.AllowPrivateWebhooks))
	webhookHandler.RegisterRoutes(v1)

	if s.cfg.StripeWebhookSecret != "" {
		topup.NewStripeHandler(s.topups, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(v1)
	} else {
		s.logger.Info("stripe top-ups disabled (no STRIPE_WEBHOOK_SECRET set)")
	}

	requireAdmin := auth.RequireAdmin(s.cfg.AdminSecret, s.logger)

	// The owner stream carries approval capability tokens, so only the
	// operator's notification relay may subscribe.
	streams := v1.Group("", requireAdmin)
	s.realtimeHub.RegisterRoutes(streams)

	admin := v1.Group("/admin", requireAdmin)
	ledgerHandler.RegisterAdminRoutes(admin)
	authorizeHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "spendgate",
		"version": Version,
		"endpoints": gin.H{
			"wallets":   "/v1/wallets",
			"spend":     "/v1/wallets/:id/spend",
			"approvals": "/v1/approvals/decide",
			"policies":  "/v1/agents/:agentId/policy",
			"webhooks":  "/v1/agents/:agentId/webhook",
			"health":    "/health",
			"metrics":   "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.webhookTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)

	if s.rateLimiter != nil {
		go s.rateLimiter.StartCleanup(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.webhookTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// In-flight webhook emits must finish before the pool closes.
	s.emitter.Wait()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
