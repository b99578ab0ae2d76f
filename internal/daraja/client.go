package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/daniwesttech/mpesa-server/internal/circuitbreaker"
	"github.com/daniwesttech/mpesa-server/internal/config"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/httputil"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
)

const stkPushPath = "/mpesa/stkpush/v1/processrequest"

// timestampLayout is Daraja's YYYYMMDDHHMMSS format, always Nairobi time.
const timestampLayout = "20060102150405"

// TokenSource provides the bearer credential attached to every push request.
// Satisfied by auth.TokenCache.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

// RetryConfig bounds transport-failure retries for the push call.
type RetryConfig struct {
	MaxAttempts     int           // Total attempts including the first (default: 3)
	InitialInterval time.Duration // Initial backoff interval (default: 250ms)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns sensible defaults for push retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// Client sends STK push requests to the Daraja gateway.
type Client struct {
	cfg        config.DarajaConfig
	tokens     TokenSource
	retryCfg   RetryConfig
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	location   *time.Location
	now        func() time.Time
}

// ClientOption customizes Client construction.
type ClientOption func(*Client)

// WithClientLogger sets a custom logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientMetrics sets the metrics collector.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClientBreakers routes gateway calls through a circuit breaker manager.
func WithClientBreakers(b *circuitbreaker.Manager) ClientOption {
	return func(c *Client) {
		c.breakers = b
	}
}

// WithClientHTTPClient overrides the outbound HTTP client (tests).
func WithClientHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetryConfig overrides retry behavior (tests use short intervals).
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithClock overrides the clock used for password timestamps (tests).
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient constructs a gateway client.
func NewClient(cfg config.DarajaConfig, tokens TokenSource, opts ...ClientOption) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		// EAT has no DST; a fixed offset is equivalent
		loc = time.FixedZone("EAT", 3*60*60)
	}

	c := &Client{
		cfg:        cfg,
		tokens:     tokens,
		retryCfg:   DefaultRetryConfig(),
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(),
		location:   loc,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Push sends an STK push request and interprets the synchronous acknowledgment.
//
// Failure classification:
//   - nonzero ResponseCode: gateway_rejected, never retried, no callback expected
//   - 401/403: token invalidated and retried exactly once, then auth_error
//   - transport failure or 5xx: retried with backoff, then gateway_unavailable
func (c *Client) Push(ctx context.Context, req PushRequest) (PushAck, error) {
	timestamp := c.now().In(c.location).Format(timestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return PushAck{}, fmt.Errorf("marshal stk push payload: %w", err)
	}

	var lastErr error
	authRetried := false
	interval := c.retryCfg.InitialInterval

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.PushRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return PushAck{}, apierrors.Wrap(apierrors.ErrCodeGatewayUnavailable, "push canceled", ctx.Err())
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		}

		ack, err := c.send(ctx, body)
		if err == nil {
			return ack, nil
		}

		switch apierrors.CodeOf(err) {
		case apierrors.ErrCodeAuthError:
			// Forced invalidation then one retry with a fresh token
			if !authRetried {
				authRetried = true
				c.tokens.Invalidate()
				c.logger.Warn().
					Str("phone", logger.RedactPhone(req.PhoneNumber)).
					Msg("daraja.push_auth_rejected_retrying")
				attempt-- // the auth retry does not consume a transport attempt
				lastErr = err
				continue
			}
			return PushAck{}, err

		case apierrors.ErrCodeGatewayUnavailable:
			lastErr = err
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("daraja.push_transport_failure")
			continue

		default:
			// gateway_rejected and anything unclassified surface immediately
			return PushAck{}, err
		}
	}

	return PushAck{}, lastErr
}

// send performs a single push round trip through the circuit breaker.
func (c *Client) send(ctx context.Context, body []byte) (PushAck, error) {
	fn := func() (interface{}, error) {
		return c.doSend(ctx, body)
	}

	var result interface{}
	var err error
	if c.breakers != nil {
		result, err = c.breakers.Execute(circuitbreaker.ServiceSTKPush, fn)
	} else {
		result, err = fn()
	}
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return PushAck{}, apierrors.Wrap(apierrors.ErrCodeGatewayUnavailable, "gateway circuit open", err)
		}
		return PushAck{}, err
	}

	return result.(PushAck), nil
}

func (c *Client) doSend(ctx context.Context, body []byte) (PushAck, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return PushAck{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return PushAck{}, fmt.Errorf("build stk push request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PushAck{}, apierrors.Wrap(apierrors.ErrCodeGatewayUnavailable, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return PushAck{}, apierrors.Wrap(apierrors.ErrCodeGatewayUnavailable, "read gateway response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return PushAck{}, apierrors.New(apierrors.ErrCodeAuthError,
			fmt.Sprintf("gateway rejected credential (%d)", resp.StatusCode))

	case resp.StatusCode >= 500:
		return PushAck{}, apierrors.New(apierrors.ErrCodeGatewayUnavailable,
			fmt.Sprintf("gateway returned %d", resp.StatusCode))

	case resp.StatusCode >= 400:
		var gwErr errorResponse
		_ = json.Unmarshal(respBody, &gwErr)
		msg := gwErr.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("gateway returned %d", resp.StatusCode)
		}
		return PushAck{}, apierrors.New(apierrors.ErrCodeGatewayRejected, msg)
	}

	var ack PushAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return PushAck{}, apierrors.Wrap(apierrors.ErrCodeGatewayUnavailable, "malformed gateway acknowledgment", err)
	}

	if !ack.Accepted() {
		// Synchronous rejection: nothing to reconcile, no callback will arrive
		return PushAck{}, apierrors.New(apierrors.ErrCodeGatewayRejected, ack.ResponseDescription)
	}

	return ack, nil
}

// password derives the STK push password artifact: base64 of short code,
// passkey, and timestamp concatenated.
func password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
