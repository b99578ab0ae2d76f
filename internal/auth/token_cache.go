package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/daniwesttech/mpesa-server/internal/circuitbreaker"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/httputil"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
)

// oauthPath is Daraja's client-credentials token endpoint.
const oauthPath = "/oauth/v1/generate?grant_type=client_credentials"

// refreshKey is the single singleflight key: there is exactly one credential
// to refresh, so every concurrent caller shares the same flight.
const refreshKey = "daraja_token"

// Credentials holds the Daraja OAuth consumer pair.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
}

// TokenCache caches the shared Daraja bearer token and refreshes it with a
// single in-flight request regardless of concurrent demand. A token is never
// served within the configured skew of its expiry, and a failed refresh
// leaves the cache empty so the next caller retries.
type TokenCache struct {
	baseURL    string
	creds      Credentials
	skew       time.Duration
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu    sync.RWMutex
	entry *credentialEntry

	group singleflight.Group
}

// credentialEntry is replaced wholesale on refresh, never partially mutated.
type credentialEntry struct {
	value     string
	expiresAt time.Time
}

// tokenResponse is Daraja's OAuth response. expires_in arrives as a string
// ("3599"), hence json.Number.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// Option customizes TokenCache construction.
type Option func(*TokenCache)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *TokenCache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *TokenCache) {
		c.metrics = m
	}
}

// WithBreakers routes the refresh call through a circuit breaker manager.
func WithBreakers(b *circuitbreaker.Manager) Option {
	return func(c *TokenCache) {
		c.breakers = b
	}
}

// WithHTTPClient overrides the outbound HTTP client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *TokenCache) {
		c.httpClient = client
	}
}

// NewTokenCache creates a token cache for the given Daraja environment.
func NewTokenCache(baseURL string, creds Credentials, skew time.Duration, opts ...Option) *TokenCache {
	if skew <= 0 {
		skew = 30 * time.Second
	}

	c := &TokenCache{
		baseURL:    baseURL,
		creds:      creds,
		skew:       skew,
		httpClient: httputil.NewClient(10 * time.Second),
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetToken returns the cached bearer token, refreshing it if expired or
// absent. Concurrent callers arriving during a refresh await that refresh's
// result; exactly one outbound request is made per refresh cycle.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		c.metrics.ObserveTokenCacheHit()
		return token, nil
	}

	result, err, _ := c.group.Do(refreshKey, func() (interface{}, error) {
		// Another caller may have completed a refresh between our cache miss
		// and this flight starting.
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

// Invalidate drops the cached credential so the next GetToken refreshes.
// Called when the gateway rejects a token before its advertised expiry.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

// Close implements io.Closer for lifecycle registration.
func (c *TokenCache) Close() error {
	c.Invalidate()
	return nil
}

// cached returns the token if present and not within skew of expiry.
func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.entry == nil || time.Now().After(c.entry.expiresAt) {
		return "", false
	}
	return c.entry.value, true
}

// refresh performs one credential fetch and stores the result.
func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	fetch := func() (interface{}, error) {
		return c.fetchToken(ctx)
	}

	var result interface{}
	var err error
	if c.breakers != nil {
		result, err = c.breakers.Execute(circuitbreaker.ServiceOAuth, fetch)
	} else {
		result, err = fetch()
	}
	if err != nil {
		c.metrics.ObserveTokenRefresh(false)
		c.logger.Error().Err(err).Msg("auth.token_refresh_failed")
		if circuitbreaker.IsOpen(err) {
			return "", apierrors.Wrap(apierrors.ErrCodeAuthError, "credential endpoint circuit open", err)
		}
		if apierrors.HasCode(err, apierrors.ErrCodeAuthError) {
			return "", err
		}
		return "", apierrors.Wrap(apierrors.ErrCodeAuthError, "credential refresh failed", err)
	}

	resp := result.(tokenResponse)

	lifetime, convErr := resp.ExpiresIn.Int64()
	if convErr != nil || lifetime <= 0 {
		lifetime = 3599
	}
	expiresAt := time.Now().Add(time.Duration(lifetime)*time.Second - c.skew)

	c.mu.Lock()
	c.entry = &credentialEntry{value: resp.AccessToken, expiresAt: expiresAt}
	c.mu.Unlock()

	c.metrics.ObserveTokenRefresh(true)
	c.logger.Debug().
		Time("expires_at", expiresAt).
		Msg("auth.token_refreshed")

	return resp.AccessToken, nil
}

// fetchToken performs the basic-auth GET against the OAuth endpoint.
func (c *TokenCache) fetchToken(ctx context.Context) (tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+oauthPath, nil)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("build token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.creds.ConsumerKey + ":" + c.creds.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, apierrors.Wrap(apierrors.ErrCodeAuthError, "credential endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, apierrors.New(apierrors.ErrCodeAuthError,
			fmt.Sprintf("credential endpoint returned %d", resp.StatusCode))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenResponse{}, apierrors.Wrap(apierrors.ErrCodeAuthError, "malformed token response", err)
	}
	if parsed.AccessToken == "" {
		return tokenResponse{}, apierrors.New(apierrors.ErrCodeAuthError, "token response missing access_token")
	}

	return parsed, nil
}
