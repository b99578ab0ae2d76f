package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use MPESA_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "MPESA_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "MPESA_ROUTE_PREFIX")
	setIfEnv(&c.Server.MetricsAPIKey, "MPESA_METRICS_API_KEY")
	setIntIfEnv(&c.Server.PortRetryAttempts, "MPESA_PORT_RETRY_ATTEMPTS")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "MPESA_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "MPESA_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "MPESA_ENVIRONMENT")

	// Daraja config. CONSUMER_KEY / CONSUMER_SECRET are accepted unprefixed
	// to match the names the Daraja developer portal hands out.
	setIfEnv(&c.Daraja.BaseURL, "MPESA_DARAJA_BASE_URL")
	setIfEnv(&c.Daraja.ConsumerKey, "MPESA_CONSUMER_KEY")
	setIfEnv(&c.Daraja.ConsumerKey, "CONSUMER_KEY")
	setIfEnv(&c.Daraja.ConsumerSecret, "MPESA_CONSUMER_SECRET")
	setIfEnv(&c.Daraja.ConsumerSecret, "CONSUMER_SECRET")
	setIfEnv(&c.Daraja.ShortCode, "MPESA_SHORT_CODE")
	setIfEnv(&c.Daraja.Passkey, "MPESA_PASSKEY")
	setIfEnv(&c.Daraja.CallbackURL, "MPESA_CALLBACK_URL")
	setIfEnv(&c.Daraja.Environment, "MPESA_DARAJA_ENVIRONMENT")
	setDurationIfEnv(&c.Daraja.Timeout, "MPESA_DARAJA_TIMEOUT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "MPESA_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "MPESA_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "MPESA_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "MPESA_MONGODB_DATABASE")
	setIfEnv(&c.Storage.TransactionTable, "MPESA_TRANSACTION_TABLE")

	// Receipt config
	setIfEnv(&c.Receipt.MerchantName, "MPESA_RECEIPT_MERCHANT_NAME")
	setIfEnv(&c.Receipt.SupportEmail, "MPESA_RECEIPT_SUPPORT_EMAIL")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "MPESA_CIRCUIT_BREAKER_ENABLED")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "MPESA_RATE_LIMIT_GLOBAL_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "MPESA_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "MPESA_RATE_LIMIT_GLOBAL_LIMIT")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "MPESA_RATE_LIMIT_PER_IP_LIMIT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
