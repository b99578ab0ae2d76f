package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}
	if c.Daraja.Timeout.Duration <= 0 {
		c.Daraja.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Daraja.TokenSkew.Duration <= 0 {
		c.Daraja.TokenSkew = Duration{Duration: 30 * time.Second}
	}
	if c.Daraja.Environment == "" {
		c.Daraja.Environment = "sandbox"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.TransactionTable == "" {
		c.Storage.TransactionTable = "transactions"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	if c.Daraja.BaseURL == "" {
		errs = append(errs, "daraja.base_url is required")
	} else if _, err := url.Parse(c.Daraja.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("daraja.base_url is not a valid URL: %v", err))
	}

	// Sandbox mode tolerates missing credentials so the server can boot for
	// local exploration; production does not.
	if c.Daraja.Environment == "production" {
		if c.Daraja.ConsumerKey == "" || c.Daraja.ConsumerSecret == "" {
			errs = append(errs, "daraja.consumer_key and daraja.consumer_secret are required in production")
		}
		if c.Daraja.ShortCode == "" {
			errs = append(errs, "daraja.short_code is required in production")
		}
		if c.Daraja.Passkey == "" {
			errs = append(errs, "daraja.passkey is required in production")
		}
		if c.Daraja.CallbackURL == "" {
			errs = append(errs, "daraja.callback_url is required in production")
		} else if !strings.HasPrefix(c.Daraja.CallbackURL, "https://") {
			errs = append(errs, "daraja.callback_url must be https in production (Daraja rejects plain http)")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
