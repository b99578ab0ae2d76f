package storage

import (
	"context"
	"io"
	"time"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
)

// Status is the lifecycle state of a transaction. The transition is
// monotonic: PENDING moves to exactly one of COMPLETED or FAILED and never
// changes again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one STK push attempt and its eventual outcome.
// CheckoutRequestID is the gateway-issued correlation key linking the
// initiation acknowledgment to the asynchronous callback; it is unique
// across all transactions.
type Transaction struct {
	ID                 string    `json:"id"`                // Locally assigned surrogate id, immutable
	MerchantRequestID  string    `json:"merchantRequestId"` // Gateway-issued, informational
	CheckoutRequestID  string    `json:"checkoutRequestId"` // Gateway-issued correlation key, unique
	PhoneNumber        string    `json:"phoneNumber"`       // Payment intent, immutable after creation
	Amount             int64     `json:"amount"`            // Whole KES
	AccountReference   string    `json:"accountReference"`
	Description        string    `json:"description,omitempty"`
	Status             Status    `json:"status"`
	ResultCode         *int      `json:"resultCode,omitempty"` // Set exactly once, atomically with the terminal transition
	ResultDesc         string    `json:"resultDesc,omitempty"`
	MpesaReceiptNumber string    `json:"mpesaReceiptNumber,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"` // Changes only on a state transition
}

// TerminalResult carries the fields written atomically with a transition.
type TerminalResult struct {
	ResultCode         int
	ResultDesc         string
	MpesaReceiptNumber string
}

// MaxListLimit caps the transaction listing page size.
const MaxListLimit = 100

// ErrDuplicateCorrelation is returned by CreatePending when the checkout
// request id already exists in the ledger.
var ErrDuplicateCorrelation = apierrors.New(apierrors.ErrCodeDuplicateCorrelation, "checkout request id already recorded")

// Store is the durable transaction ledger. TransitionIfPending is the only
// mutation after creation and the sole serialization point for racing
// callbacks; implementations must back it with the store's native atomic
// conditional update so correctness holds across process instances.
type Store interface {
	// CreatePending inserts a new transaction in PENDING state.
	// Returns ErrDuplicateCorrelation when the checkout request id exists.
	CreatePending(ctx context.Context, tx Transaction) error

	// FindByCorrelationID looks up a transaction by checkout request id.
	// Absence is a valid outcome, not an error.
	FindByCorrelationID(ctx context.Context, checkoutRequestID string) (Transaction, bool, error)

	// FindByID looks up a transaction by its surrogate id.
	FindByID(ctx context.Context, id string) (Transaction, bool, error)

	// TransitionIfPending atomically moves the transaction to a terminal
	// status only if it is currently PENDING, writing the result fields in
	// the same operation. Returns applied=false (not an error) when the
	// record was already terminal.
	TransitionIfPending(ctx context.Context, checkoutRequestID string, status Status, result TerminalResult) (bool, error)

	// List returns transactions newest first. Limits above MaxListLimit are
	// clamped; non-positive limits use a default page size.
	List(ctx context.Context, limit int) ([]Transaction, error)

	io.Closer
}

// ClampLimit normalizes a caller-provided page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
