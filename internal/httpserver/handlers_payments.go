package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/daniwesttech/mpesa-server/internal/daraja"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/reconcile"
	"github.com/daniwesttech/mpesa-server/pkg/responders"
)

// callbackAck is the acknowledgment body Daraja expects. Anything other than
// ResultCode 0 makes the gateway schedule a redelivery.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// initiatePush handles POST /mpesa/stkpush.
func (h *handlers) initiatePush(w http.ResponseWriter, r *http.Request) {
	var req reconcile.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidationError, "invalid JSON body")
		return
	}

	result, err := h.engine.Initiate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, result)
}

// handleCallback handles POST /mpesa/callback.
//
// Every delivery that parses is acknowledged with ResultCode 0, including
// duplicates, unknown correlation ids, and deliveries that hit a transient
// store failure. Returning an error to Daraja only buys another redelivery
// of a payload we already know how we handled; redeliveries after a store
// failure are instead absorbed by the conditional transition when the store
// recovers.
func (h *handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var envelope daraja.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Warn().Err(err).Msg("httpserver.callback_unparseable")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidationError, "invalid callback payload")
		return
	}

	outcome, err := h.engine.HandleCallback(r.Context(), envelope)
	if outcome == reconcile.OutcomeMalformed {
		writeDomainError(w, err)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("httpserver.callback_store_failure")
	}

	responders.JSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}
