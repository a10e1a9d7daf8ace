// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet-RPC endpoint pool, comma-separated URLs per role.
	// Each URL is one externally running wallet-RPC process.
	BuyerRPCURLs   []string
	VendorRPCURLs  []string
	ArbiterRPCURLs []string

	// Arbiter identities assigned round-robin to new escrows.
	ArbiterIDs []string

	// Escrow engine settings
	LockTimeout           time.Duration // per-escrow lock acquisition timeout
	SessionCapacity       int           // max concurrent wallet sessions
	SessionTTL            time.Duration // idle session reap threshold
	MultisigRounds        int           // key-exchange round count, wallet-RPC version dependent
	MultisigThreshold     int           // signatures required (2 for 2-of-3)
	CASMaxAttempts        int           // bounded optimistic-concurrency retries
	CASRetryBaseDelay     time.Duration
	ConfirmationThreshold int64 // confirmations for check_confirmations to report final

	// Round-state checkpoints directory (file store); empty = database store.
	RoundStateDir string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLockTimeout           = 10 * time.Second
	DefaultSessionCapacity       = 10
	DefaultSessionTTL            = 2 * time.Hour
	DefaultMultisigRounds        = 3
	DefaultMultisigThreshold     = 2
	DefaultCASMaxAttempts        = 3
	DefaultCASRetryBaseDelay     = 50 * time.Millisecond
	DefaultConfirmationThreshold = 10
	DefaultRateLimit             = 100
)

// MinMultisigRounds and MaxMultisigRounds bound the configured round
// count. The exact number of key-exchange rounds depends on the
// wallet-RPC software version, but every version needs at least
// prepare, make, and one key exchange; fewer rounds can never yield a
// shared address. Anything past the maximum is a typo.
const (
	MinMultisigRounds = 3
	MaxMultisigRounds = 10
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BuyerRPCURLs:          splitURLs(os.Getenv("BUYER_RPC_URLS")),
		VendorRPCURLs:         splitURLs(os.Getenv("VENDOR_RPC_URLS")),
		ArbiterRPCURLs:        splitURLs(os.Getenv("ARBITER_RPC_URLS")),
		ArbiterIDs:            splitURLs(getEnv("ARBITER_IDS", "arb_default")),
		LockTimeout:           getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		SessionCapacity:       int(getEnvInt64("SESSION_CAPACITY", DefaultSessionCapacity)),
		SessionTTL:            getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		MultisigRounds:        int(getEnvInt64("MULTISIG_ROUNDS", DefaultMultisigRounds)),
		MultisigThreshold:     int(getEnvInt64("MULTISIG_THRESHOLD", DefaultMultisigThreshold)),
		CASMaxAttempts:        int(getEnvInt64("CAS_MAX_ATTEMPTS", DefaultCASMaxAttempts)),
		CASRetryBaseDelay:     getEnvDuration("CAS_RETRY_BASE_DELAY", DefaultCASRetryBaseDelay),
		ConfirmationThreshold: getEnvInt64("CONFIRMATION_THRESHOLD", DefaultConfirmationThreshold),
		RoundStateDir:         os.Getenv("ROUND_STATE_DIR"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if len(c.BuyerRPCURLs) == 0 || len(c.VendorRPCURLs) == 0 || len(c.ArbiterRPCURLs) == 0 {
		return fmt.Errorf("BUYER_RPC_URLS, VENDOR_RPC_URLS, and ARBITER_RPC_URLS must each list at least one endpoint")
	}

	if c.MultisigRounds < MinMultisigRounds || c.MultisigRounds > MaxMultisigRounds {
		return fmt.Errorf("MULTISIG_ROUNDS must be between %d and %d (got %d)", MinMultisigRounds, MaxMultisigRounds, c.MultisigRounds)
	}

	if c.MultisigThreshold < 1 || c.MultisigThreshold > 3 {
		return fmt.Errorf("MULTISIG_THRESHOLD must be between 1 and 3 (got %d)", c.MultisigThreshold)
	}

	if c.SessionCapacity < 1 {
		return fmt.Errorf("SESSION_CAPACITY must be positive (got %d)", c.SessionCapacity)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive (got %s)", c.LockTimeout)
	}

	if c.CASMaxAttempts < 1 {
		return fmt.Errorf("CAS_MAX_ATTEMPTS must be at least 1 (got %d)", c.CASMaxAttempts)
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

func splitURLs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
