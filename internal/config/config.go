package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       Duration{Duration: 15 * time.Second},
			WriteTimeout:      Duration{Duration: 15 * time.Second},
			IdleTimeout:       Duration{Duration: 60 * time.Second},
			RoutePrefix:       "/api",
			PortRetryAttempts: 5,
		},
		Daraja: DarajaConfig{
			BaseURL:     "https://sandbox.safaricom.co.ke",
			Timeout:     Duration{Duration: 30 * time.Second},
			TokenSkew:   Duration{Duration: 30 * time.Second},
			Environment: "sandbox",
		},
		Storage: StorageConfig{
			Backend:          "memory",
			TransactionTable: "transactions",
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    60,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		Receipt: ReceiptConfig{
			MerchantName: "M-Pesa Payments",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			OAuth: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			STKPush: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
