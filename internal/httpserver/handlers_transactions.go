package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/storage"
	"github.com/daniwesttech/mpesa-server/pkg/responders"
)

// transactionListResponse wraps the listing with its effective page size.
type transactionListResponse struct {
	Transactions []storage.Transaction `json:"transactions"`
	Count        int                   `json:"count"`
}

// listTransactions handles GET /mpesa/transactions?limit=N.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeValidationError, "limit must be an integer")
			return
		}
		limit = parsed
	}

	txs, err := h.store.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, transactionListResponse{
		Transactions: txs,
		Count:        len(txs),
	})
}

// getTransaction handles GET /mpesa/transactions/{id}. The id may be either
// the surrogate transaction id or the gateway checkout request id; callers
// polling for completion usually only hold the latter.
func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, found, err := h.findTransaction(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTransactionNotFound, "transaction not found")
		return
	}

	responders.JSON(w, http.StatusOK, tx)
}

// getReceipt handles GET /mpesa/receipt/{id}. Receipts only exist for
// terminal transactions.
func (h *handlers) getReceipt(w http.ResponseWriter, r *http.Request) {
	tx, found, err := h.findTransaction(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTransactionNotFound, "transaction not found")
		return
	}

	doc, err := h.receipts.Render(tx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+h.receipts.Filename(tx)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (h *handlers) findTransaction(r *http.Request, id string) (storage.Transaction, bool, error) {
	tx, found, err := h.store.FindByID(r.Context(), id)
	if err != nil || found {
		return tx, found, err
	}
	return h.store.FindByCorrelationID(r.Context(), id)
}
