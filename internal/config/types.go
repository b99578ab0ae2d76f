package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Daraja         DarajaConfig         `yaml:"daraja"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Receipt        ReceiptConfig        `yaml:"receipt"`
}

// ReceiptConfig holds receipt rendering configuration.
type ReceiptConfig struct {
	MerchantName string `yaml:"merchant_name"` // Shown in the receipt header (default: "M-Pesa Payments")
	SupportEmail string `yaml:"support_email"` // Optional support contact in the footer
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	MetricsAPIKey      string   `yaml:"metrics_api_key"`       // Optional API key to protect /metrics (leave empty to disable protection)
	PortRetryAttempts  int      `yaml:"port_retry_attempts"`   // Increment the port and retry when the address is in use (default: 5)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // development, production
}

// DarajaConfig holds Safaricom Daraja gateway configuration.
type DarajaConfig struct {
	BaseURL        string   `yaml:"base_url"`        // e.g. https://sandbox.safaricom.co.ke
	ConsumerKey    string   `yaml:"consumer_key"`    // OAuth consumer key
	ConsumerSecret string   `yaml:"consumer_secret"` // OAuth consumer secret
	ShortCode      string   `yaml:"short_code"`      // Business short code (PartyB)
	Passkey        string   `yaml:"passkey"`         // Lipa Na M-Pesa online passkey
	CallbackURL    string   `yaml:"callback_url"`    // Publicly reachable callback endpoint
	Timeout        Duration `yaml:"timeout"`         // Per-request timeout (default: 30s)
	TokenSkew      Duration `yaml:"token_skew"`      // Expiry margin subtracted from token lifetime (default: 30s)
	Environment    string   `yaml:"environment"`     // sandbox | production
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend          string             `yaml:"backend"`           // "memory", "postgres", or "mongodb"
	PostgresURL      string             `yaml:"postgres_url"`      // PostgreSQL connection string
	MongoDBURL       string             `yaml:"mongodb_url"`       // MongoDB connection string
	MongoDBDatabase  string             `yaml:"mongodb_database"`  // MongoDB database name
	TransactionTable string             `yaml:"transaction_table"` // Table/collection name (default: "transactions")
	PostgresPool     PostgresPoolConfig `yaml:"postgres_pool"`     // PostgreSQL connection pool settings
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`
	PerIPEnabled  bool     `yaml:"per_ip_enabled"`
	PerIPLimit    int      `yaml:"per_ip_limit"`
	PerIPWindow   Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for gateway calls.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	OAuth   BreakerServiceConfig `yaml:"oauth"`
	STKPush BreakerServiceConfig `yaml:"stk_push"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
