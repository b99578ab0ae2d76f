package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/daniwesttech/mpesa-server/internal/daraja"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

// Gateway is the outbound push surface the engine needs.
// Satisfied by daraja.Client.
type Gateway interface {
	Push(ctx context.Context, req daraja.PushRequest) (daraja.PushAck, error)
}

// Engine correlates push initiations with their asynchronous callbacks
// against the transaction ledger. Initiations for different correlation ids
// are fully independent; the store's conditional update is the only
// serialization point.
type Engine struct {
	gateway Gateway
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine constructs a reconciliation engine.
func NewEngine(gateway Gateway, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		gateway: gateway,
		store:   store,
		logger:  zerolog.Nop(),
		now:     time.Now,
		newID:   newTransactionID,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// InitiateRequest is the caller's payment intent.
type InitiateRequest struct {
	PhoneNumber      string `json:"phoneNumber"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"accountReference"`
	Description      string `json:"description"`
}

// InitiateResult is the synchronous acknowledgment returned to the caller.
// Completion is observed later through the ledger, not through this call.
type InitiateResult struct {
	TransactionID       string `json:"transactionId"`
	MerchantRequestID   string `json:"merchantRequestId"`
	CheckoutRequestID   string `json:"checkoutRequestId"`
	ResponseDescription string `json:"responseDescription"`
	CustomerMessage     string `json:"customerMessage,omitempty"`
}

// Transient ledger failures are retried locally before the operation fails:
// a customer whose phone was already prompted must not lose the ledger row to
// a single store hiccup.
const (
	storeWriteAttempts   = 3
	storeWriteRetryDelay = 50 * time.Millisecond
)

// withStoreRetry runs a ledger write, retrying persistence failures with a
// short delay. Any other failure class surfaces immediately.
func (e *Engine) withStoreRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		err = fn()
		if err == nil || !apierrors.HasCode(err, apierrors.ErrCodePersistenceError) {
			return err
		}
		if attempt == storeWriteAttempts {
			break
		}
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("reconcile.store_write_retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(storeWriteRetryDelay):
		}
	}
	return err
}

// msisdnPattern matches normalized Kenyan MSISDNs.
var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts common MSISDN spellings (07..., +254..., 7...)
// to the 2547XXXXXXXX form Daraja requires.
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		p = "254" + p
	}
	if !msisdnPattern.MatchString(p) {
		return "", apierrors.New(apierrors.ErrCodeInvalidPhone, "phone number must be a Kenyan MSISDN (2547XXXXXXXX)")
	}
	return p, nil
}

// validate checks the payment intent before it reaches the gateway.
func (r *InitiateRequest) validate() error {
	phone, err := NormalizePhone(r.PhoneNumber)
	if err != nil {
		return err
	}
	r.PhoneNumber = phone

	if r.Amount < 1 {
		return apierrors.New(apierrors.ErrCodeInvalidAmount, "amount must be at least 1 KES")
	}
	if strings.TrimSpace(r.AccountReference) == "" {
		return apierrors.New(apierrors.ErrCodeMissingField, "accountReference is required")
	}
	if r.Description == "" {
		r.Description = "Payment"
	}
	return nil
}

// Initiate pushes the payment intent to the gateway and, on acceptance,
// records a PENDING transaction keyed by the gateway's checkout request id.
//
// A push that never reached the gateway, or that the gateway rejected
// synchronously, leaves no ledger row: there is nothing to reconcile later.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := req.validate(); err != nil {
		return InitiateResult{}, err
	}

	log := logger.FromContext(ctx)
	start := e.now()

	ack, err := e.gateway.Push(ctx, daraja.PushRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	})
	if err != nil {
		outcome := pushOutcome(err)
		e.metrics.ObservePush(outcome, e.now().Sub(start))
		log.Warn().
			Err(err).
			Str("outcome", outcome).
			Str("phone", logger.RedactPhone(req.PhoneNumber)).
			Msg("reconcile.initiate_push_failed")
		return InitiateResult{}, err
	}

	tx := storage.Transaction{
		ID:                e.newID(),
		MerchantRequestID: ack.MerchantRequestID,
		CheckoutRequestID: ack.CheckoutRequestID,
		PhoneNumber:       req.PhoneNumber,
		Amount:            req.Amount,
		AccountReference:  req.AccountReference,
		Description:       req.Description,
		CreatedAt:         e.now(),
	}

	err = e.withStoreRetry(ctx, func() error {
		return e.store.CreatePending(ctx, tx)
	})
	if err != nil {
		if apierrors.HasCode(err, apierrors.ErrCodeDuplicateCorrelation) {
			// The gateway reused a checkout request id. The existing row owns
			// the correlation key, so this attempt cannot be reconciled.
			e.metrics.ObservePush("conflict", e.now().Sub(start))
			log.Error().
				Str("checkout_request_id", ack.CheckoutRequestID).
				Msg("reconcile.correlation_id_collision")
			return InitiateResult{}, apierrors.Wrap(apierrors.ErrCodeReconciliationConflict,
				"gateway reused checkout request id "+ack.CheckoutRequestID, err)
		}
		e.metrics.ObservePush("persistence_error", e.now().Sub(start))
		return InitiateResult{}, err
	}

	e.metrics.ObservePush("accepted", e.now().Sub(start))
	log.Info().
		Str("transaction_id", tx.ID).
		Str("checkout_request_id", ack.CheckoutRequestID).
		Str("phone", logger.RedactPhone(req.PhoneNumber)).
		Int64("amount", req.Amount).
		Msg("reconcile.transaction_pending")

	return InitiateResult{
		TransactionID:       tx.ID,
		MerchantRequestID:   ack.MerchantRequestID,
		CheckoutRequestID:   ack.CheckoutRequestID,
		ResponseDescription: ack.ResponseDescription,
		CustomerMessage:     ack.CustomerMessage,
	}, nil
}

// pushOutcome maps a push error to a metrics label.
func pushOutcome(err error) string {
	switch apierrors.CodeOf(err) {
	case apierrors.ErrCodeGatewayRejected:
		return "rejected"
	case apierrors.ErrCodeGatewayUnavailable:
		return "unavailable"
	case apierrors.ErrCodeAuthError:
		return "auth_error"
	case apierrors.ErrCodeInvalidPhone, apierrors.ErrCodeInvalidAmount, apierrors.ErrCodeMissingField:
		return "invalid"
	default:
		return "error"
	}
}

// newTransactionID generates the locally assigned surrogate identifier.
func newTransactionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "tx_" + hex.EncodeToString([]byte(time.Now().Format("20060102150405.000")))
	}
	return "tx_" + hex.EncodeToString(b)
}
