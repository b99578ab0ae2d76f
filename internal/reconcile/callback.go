package reconcile

import (
	"context"

	"github.com/daniwesttech/mpesa-server/internal/daraja"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

// Outcome classifies how a callback was reconciled. The HTTP layer logs and
// counts these but acknowledges the gateway for every outcome except
// OutcomeMalformed, so the gateway never retries deliveries we have handled.
type Outcome string

const (
	// OutcomeCompleted and OutcomeFailed mean this delivery won the terminal
	// transition.
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"

	// OutcomeDuplicate means the transaction was already terminal; the
	// delivery is dropped. Expected under at-least-once delivery.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeUnknown means no transaction matches the correlation id.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeMalformed means the payload failed shape validation.
	OutcomeMalformed Outcome = "malformed"
)

// HandleCallback reconciles one gateway callback against the ledger.
//
// Duplicate deliveries and deliveries racing each other resolve through the
// store's conditional update: exactly one delivery applies the terminal
// transition (first writer wins), every other observes applied=false and is
// reported as OutcomeDuplicate.
//
// The returned error is non-nil only for malformed payloads and store
// failures; an unknown correlation id is a valid, non-fatal outcome.
func (e *Engine) HandleCallback(ctx context.Context, payload daraja.CallbackEnvelope) (Outcome, error) {
	log := logger.FromContext(ctx)

	if err := payload.Validate(); err != nil {
		e.metrics.ObserveCallback(string(OutcomeMalformed))
		log.Warn().Err(err).Msg("reconcile.callback_malformed")
		return OutcomeMalformed, err
	}

	cb := payload.Body.STKCallback
	log = log.With().
		Str("checkout_request_id", cb.CheckoutRequestID).
		Int("result_code", cb.Code()).
		Logger()

	tx, found, err := e.store.FindByCorrelationID(ctx, cb.CheckoutRequestID)
	if err != nil {
		e.metrics.ObserveCallback("error")
		return "", err
	}
	if !found {
		// Acknowledge anyway: the gateway must not be induced to retry
		// delivery for an id this system never issued or already purged.
		e.metrics.ObserveCallback(string(OutcomeUnknown))
		log.Warn().Msg("reconcile.callback_unknown_correlation")
		return OutcomeUnknown, nil
	}

	target := storage.StatusFailed
	outcome := OutcomeFailed
	if cb.Succeeded() {
		target = storage.StatusCompleted
		outcome = OutcomeCompleted
	}

	var applied bool
	err = e.withStoreRetry(ctx, func() error {
		var terr error
		applied, terr = e.store.TransitionIfPending(ctx, cb.CheckoutRequestID, target, storage.TerminalResult{
			ResultCode:         cb.Code(),
			ResultDesc:         cb.ResultDesc,
			MpesaReceiptNumber: cb.ReceiptNumber(),
		})
		return terr
	})
	if err != nil {
		e.metrics.ObserveCallback("error")
		return "", err
	}
	if !applied {
		// Already terminal: the idempotent duplicate-delivery path.
		e.metrics.ObserveCallback(string(OutcomeDuplicate))
		log.Info().
			Str("status", string(tx.Status)).
			Msg("reconcile.callback_duplicate_dropped")
		return OutcomeDuplicate, nil
	}

	e.metrics.ObserveCallback(string(outcome))
	e.metrics.ObserveSettlement(e.now().Sub(tx.CreatedAt))
	log.Info().
		Str("status", string(target)).
		Str("receipt", cb.ReceiptNumber()).
		Msg("reconcile.transaction_finalized")

	return outcome, nil
}
