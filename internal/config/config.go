package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the full environment-derived configuration for both binaries.
type Config struct {
	AppEnv   string
	HTTPPort string

	// Backing stores.
	DatabaseURL string
	RedisURL    string

	// Merchant API credentials and browser origins.
	JWTSecret          string
	AccessTokenTTL     time.Duration
	CORSAllowedOrigins []string

	// Public base URL of this service; per-session return prefixes are
	// derived from it.
	ReturnBaseURL string

	GatewayProvider       string
	GatewayMerchantID     string
	GatewayAccessCode     string
	GatewayRequestSecret  string
	GatewayResponseSecret string
	GatewayTestMode       bool
	GatewayCheckoutURL    string
	GatewaySessionURL     string

	SessionTTL time.Duration
	// Session records outlive their TTL by the retention margin so replayed
	// returns and the expiry task still find them.
	SessionRetention time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	IdempotencyTTL          time.Duration
	QueueRedisPrefix        string
	QueueMaxAttempts        int
	QueueConcurrencyWebhook int
	QueueConcurrencyExpiry  int
	QueueVisibilityTimeout  time.Duration
	QueueBackoffBase        time.Duration
	QueueBackoffJitter      float64
	WorkerHeartbeatInterval time.Duration
	WorkerJobSoftDeadline   time.Duration

	WebhookDeliveryEnabled    bool
	WebhookRequestTimeout     time.Duration
	WebhookAllowInsecureTLS   bool
	WebhookBackoffBaseSec     int
	WebhookDefaultMaxAttempts int
	WebhookReplayTTL          time.Duration
	WebhookPollInterval       time.Duration
	WebhookPollBatch          int
	EventWorkerConcurrency    int

	OutboundTimeout           time.Duration
	RetryBase                 time.Duration
	RetryMaxAttempts          int
	RetryJitterPercent        float64
	CircuitWebhookMinReq      int
	CircuitWebhookFailureRate float64
	CircuitWebhookOpenFor     time.Duration
	CircuitSessionMinReq      int
	CircuitSessionFailureRate float64
	CircuitSessionOpenFor     time.Duration

	AuditEnabled bool

	ReturnRateMax    int
	ReturnRateWindow time.Duration
	MaxBodyBytes     int64

	DBMaxOpenConns int
	DBMaxIdleConns int
	// DBStatementCacheCapacity below zero leaves the driver default in place.
	DBStatementCacheCapacity int
}

// Load builds a Config from the process environment, after folding in an
// optional .env file.
func Load() (*Config, error) {
	// Values already exported in the environment win over .env entries.
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}

	cfg := &Config{
		AppEnv:   orDefault(k.String("APP_ENV"), "development"),
		HTTPPort: orDefault(k.String("PORT"), "8080"),

		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		JWTSecret:          k.String("JWT_SECRET"),
		AccessTokenTTL:     parseDuration(k.String("ACCESS_TOKEN_TTL"), "1h"),
		CORSAllowedOrigins: splitList(k.String("CORS_ALLOWED_ORIGINS")),

		ReturnBaseURL: strings.TrimRight(strings.TrimSpace(k.String("RETURN_BASE_URL")), "/"),

		GatewayProvider:       strings.ToLower(strings.TrimSpace(k.String("GATEWAY_PROVIDER"))),
		GatewayMerchantID:     k.String("GATEWAY_MERCHANT_ID"),
		GatewayAccessCode:     k.String("GATEWAY_ACCESS_CODE"),
		GatewayRequestSecret:  k.String("GATEWAY_REQUEST_SECRET"),
		GatewayResponseSecret: k.String("GATEWAY_RESPONSE_SECRET"),
		GatewayTestMode:       parseBool(orDefault(k.String("GATEWAY_TEST_MODE"), "true")),
		GatewayCheckoutURL:    strings.TrimSpace(k.String("GATEWAY_CHECKOUT_URL")),
		GatewaySessionURL:     strings.TrimSpace(k.String("GATEWAY_SESSION_URL")),

		SessionTTL:       parseDuration(k.String("SESSION_TTL"), "30m"),
		SessionRetention: parseDuration(k.String("SESSION_RETENTION"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		IdempotencyTTL:          parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		QueueRedisPrefix:        orDefault(k.String("QUEUE_REDIS_PREFIX"), "redirectpay"),
		QueueMaxAttempts:        parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 10),
		QueueConcurrencyWebhook: parseInt(k.String("QUEUE_CONCURRENCY_WEBHOOK"), 4),
		QueueConcurrencyExpiry:  parseInt(k.String("QUEUE_CONCURRENCY_EXPIRY"), 2),
		QueueVisibilityTimeout:  parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:        parseDuration(k.String("QUEUE_BACKOFF_BASE"), "500ms"),
		QueueBackoffJitter:      parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		WorkerHeartbeatInterval: parseDuration(k.String("WORKER_HEARTBEAT_INTERVAL"), "1s"),
		WorkerJobSoftDeadline:   parseDuration(k.String("WORKER_JOB_SOFT_DEADLINE"), "25s"),

		WebhookDeliveryEnabled:    parseBool(orDefault(k.String("WEBHOOK_DELIVERY_ENABLED"), "true")),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "10s"),
		WebhookAllowInsecureTLS:   parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 30),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_DEFAULT_MAX_ATTEMPTS"), 8),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookPollInterval:       parseDuration(k.String("WEBHOOK_POLL_INTERVAL"), "2s"),
		WebhookPollBatch:          parseInt(k.String("WEBHOOK_POLL_BATCH"), 50),
		EventWorkerConcurrency:    parseInt(k.String("EVENT_WORKER_CONCURRENCY"), 1),

		OutboundTimeout:           parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:                 parseDuration(k.String("RETRY_BASE"), "100ms"),
		RetryMaxAttempts:          parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent:        parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitWebhookMinReq:      parseInt(k.String("CIRCUIT_WEBHOOK_MIN_REQ"), 10),
		CircuitWebhookFailureRate: parseFloat(k.String("CIRCUIT_WEBHOOK_FAILURE_RATE"), 0.5),
		CircuitWebhookOpenFor:     parseDuration(k.String("CIRCUIT_WEBHOOK_OPEN_FOR"), "30s"),
		CircuitSessionMinReq:      parseInt(k.String("CIRCUIT_SESSION_MIN_REQ"), 5),
		CircuitSessionFailureRate: parseFloat(k.String("CIRCUIT_SESSION_FAILURE_RATE"), 0.5),
		CircuitSessionOpenFor:     parseDuration(k.String("CIRCUIT_SESSION_OPEN_FOR"), "30s"),

		AuditEnabled: parseBool(orDefault(k.String("AUDIT_ENABLED"), "true")),

		ReturnRateMax:    parseInt(k.String("RETURN_RATE_MAX"), 120),
		ReturnRateWindow: parseDuration(k.String("RETURN_RATE_WINDOW"), "1m"),
		MaxBodyBytes:     int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),

		DBMaxOpenConns:           parseInt(k.String("DB_MAX_OPEN_CONNS"), 0),
		DBMaxIdleConns:           parseInt(k.String("DB_MAX_IDLE_CONNS"), 0),
		DBStatementCacheCapacity: parseInt(k.String("DB_STATEMENT_CACHE_CAPACITY"), -1),
	}

	for _, req := range []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"JWT_SECRET", cfg.JWTSecret},
		{"RETURN_BASE_URL", cfg.ReturnBaseURL},
		{"GATEWAY_PROVIDER", cfg.GatewayProvider},
		{"GATEWAY_MERCHANT_ID", cfg.GatewayMerchantID},
		{"GATEWAY_REQUEST_SECRET", cfg.GatewayRequestSecret},
	} {
		if req.value == "" {
			return nil, errors.New(req.key + " is required")
		}
	}

	return cfg, nil
}

// HTTPAddr is the listen address for the API server.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.HTTPPort)
	switch {
	case port == "":
		return ":8080"
	case strings.HasPrefix(port, ":"):
		return port
	default:
		return ":" + port
	}
}

// GatewayConfigured reports whether the named provider matches the configured
// one; an empty name always matches the configured default.
func (c *Config) GatewayConfigured(provider string) bool {
	p := strings.ToLower(strings.TrimSpace(provider))
	return p == "" || p == c.GatewayProvider
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func parseBool(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v == "yes" || v == "on"
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad is Load for entrypoints that cannot continue without config.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests loads a Config under the given env overrides and restores
// the previous values before returning.
func LoadForTests(env map[string]string) (*Config, error) {
	saved := make(map[string]string, len(env))
	for key, value := range env {
		saved[key] = os.Getenv(key)
		if err := applyEnv(key, value); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	if err != nil {
		_ = restoreEnv(saved)
		return nil, err
	}
	return cfg, restoreEnv(saved)
}

func applyEnv(key, value string) error {
	if value != "" {
		return os.Setenv(key, value)
	}
	return os.Unsetenv(key)
}

func restoreEnv(saved map[string]string) error {
	var errs []error
	for key, value := range saved {
		if err := applyEnv(key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("restore env: %w", errors.Join(errs...))
}
