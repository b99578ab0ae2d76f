package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/daniwesttech/mpesa-server/internal/config"
)

// ServiceType identifies different Daraja endpoints for circuit breaker isolation.
type ServiceType string

const (
	ServiceOAuth   ServiceType = "daraja_oauth"
	ServiceSTKPush ServiceType = "daraja_stk_push"
)

// Manager manages circuit breakers for the gateway's endpoints.
// Each endpoint gets its own breaker so an outage of the OAuth service does
// not trip the push path once a cached token is still valid, and vice versa.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled bool
	OAuth   BreakerConfig
	STKPush BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio over a minimum
	// number of requests.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		OAuth: BreakerConfig{
			MaxRequests:         cfg.OAuth.MaxRequests,
			Interval:            cfg.OAuth.Interval.Duration,
			Timeout:             cfg.OAuth.Timeout.Duration,
			ConsecutiveFailures: cfg.OAuth.ConsecutiveFailures,
			FailureRatio:        cfg.OAuth.FailureRatio,
			MinRequests:         cfg.OAuth.MinRequests,
		},
		STKPush: BreakerConfig{
			MaxRequests:         cfg.STKPush.MaxRequests,
			Interval:            cfg.STKPush.Interval.Duration,
			Timeout:             cfg.STKPush.Timeout.Duration,
			ConsecutiveFailures: cfg.STKPush.ConsecutiveFailures,
			FailureRatio:        cfg.STKPush.FailureRatio,
			MinRequests:         cfg.STKPush.MinRequests,
		},
	})
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		// Manager with no breakers is pass-through
		return m
	}

	m.breakers[ServiceOAuth] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceOAuth), cfg.OAuth))
	m.breakers[ServiceSTKPush] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceSTKPush), cfg.STKPush))

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breaker is disabled or not configured for the service, executes directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// IsOpen reports whether the given error came from an open or saturated breaker.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_changed")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		OAuth: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		STKPush: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
	}
}
