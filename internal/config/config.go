// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Approvals
	ApprovalTokenSecret string
	ApprovalTTL         time.Duration

	// Webhooks
	WebhookTimeout       time.Duration
	WebhookSweepInterval time.Duration
	WebhookSweepBatch    int
	AllowPrivateWebhooks bool // development only: permit loopback/private receiver URLs

	// Ledger
	ReconcileInterval   time.Duration
	LowBalanceThreshold int64 // micro-units; 0 disables wallet.balance.low

	// Edges
	RateLimitPerMinute  int
	StripeWebhookSecret string
	PolicySeedFile      string
	OTLPEndpoint        string
	AdminSecret         string
	CORSAllowedOrigins  []string // empty allows any origin without credentials
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultApprovalTTL          = 15 * time.Minute
	DefaultWebhookTimeout       = 10 * time.Second
	DefaultWebhookSweepInterval = 30 * time.Second
	DefaultWebhookSweepBatch    = 100
	DefaultReconcileInterval    = 5 * time.Minute
	DefaultLowBalanceUSD        = "5"
	DefaultRateLimit            = 120

	// MinTokenSecretLength is the shortest approval token secret accepted in production.
	MinTokenSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var p parser
	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          p.bool("AUTO_MIGRATE", false),
		ApprovalTokenSecret:  os.Getenv("APPROVAL_TOKEN_SECRET"),
		ApprovalTTL:          p.duration("APPROVAL_TTL", DefaultApprovalTTL),
		WebhookTimeout:       p.duration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookSweepInterval: p.duration("WEBHOOK_SWEEP_INTERVAL", DefaultWebhookSweepInterval),
		WebhookSweepBatch:    p.int("WEBHOOK_SWEEP_BATCH", DefaultWebhookSweepBatch),
		AllowPrivateWebhooks: p.bool("ALLOW_PRIVATE_WEBHOOKS", false),
		ReconcileInterval:    p.duration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		LowBalanceThreshold:  p.usd("LOW_BALANCE_THRESHOLD", DefaultLowBalanceUSD),
		RateLimitPerMinute:   p.int("RATE_LIMIT_PER_MINUTE", DefaultRateLimit),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PolicySeedFile:       os.Getenv("POLICY_SEED_FILE"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("APPROVAL_TTL must be positive")
	}
	if c.WebhookTimeout <= 0 || c.WebhookSweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT, WEBHOOK_SWEEP_INTERVAL and RECONCILE_INTERVAL must be positive")
	}
	if c.WebhookSweepBatch <= 0 {
		return fmt.Errorf("WEBHOOK_SWEEP_BATCH must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}

	if c.IsProduction() {
		if len(c.ApprovalTokenSecret) < MinTokenSecretLength {
			return fmt.Errorf("APPROVAL_TOKEN_SECRET must be at least %d characters in production", MinTokenSecretLength)
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AllowPrivateWebhooks {
			return fmt.Errorf("ALLOW_PRIVATE_WEBHOOKS cannot be enabled in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList splits a comma-separated env var, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parser reads typed env vars and remembers every malformed one.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value, want string) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "integer")
		return defaultValue
	}
	return i
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, "boolean")
		return defaultValue
	}
	return b
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, "duration")
		return defaultValue
	}
	return d
}

// usd reads a decimal dollar amount and returns micro-units.
func (p *parser) usd(key, defaultValue string) int64 {
	value := getEnv(key, defaultValue)
	micro, ok := usdc.Parse(value)
	if !ok {
		p.fail(key, value, "USD amount")
		return 0
	}
	return micro
}
