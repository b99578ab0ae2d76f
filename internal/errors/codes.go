package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Initiation errors (STK push request path)
const (
	// Gateway synchronously rejected the push request (nonzero response code).
	// No transaction is recorded and no callback will ever arrive.
	ErrCodeGatewayRejected ErrorCode = "gateway_rejected"

	// Transport-level failure reaching the gateway (timeout, connection reset,
	// 5xx, open circuit breaker). Retried with backoff before surfacing.
	ErrCodeGatewayUnavailable ErrorCode = "gateway_unavailable"

	// Credential refresh failed or the gateway refused the bearer token.
	ErrCodeAuthError ErrorCode = "auth_error"
)

// Reconciliation errors (callback and ledger path)
const (
	// Callback referenced a checkout request id this system never issued.
	// Logged and acknowledged, never retried by the gateway.
	ErrCodeUnknownCorrelation ErrorCode = "unknown_correlation"

	// The gateway handed out a checkout request id that already exists in the
	// ledger. Anomalous: indicates a gateway-side identifier collision.
	ErrCodeDuplicateCorrelation   ErrorCode = "duplicate_correlation"
	ErrCodeReconciliationConflict ErrorCode = "reconciliation_conflict"
)

// Validation errors (request input validation)
const (
	ErrCodeValidationError ErrorCode = "validation_error"
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidAmount   ErrorCode = "invalid_amount"
	ErrCodeInvalidPhone    ErrorCode = "invalid_phone"
)

// Resource/state errors
const (
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeTransactionPending  ErrorCode = "transaction_pending"
)

// Internal/system errors
const (
	ErrCodePersistenceError ErrorCode = "persistence_error"
	ErrCodeInternalError    ErrorCode = "internal_error"
	ErrCodeConfigError      ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation
// failures or synchronous gateway rejections.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayUnavailable,
		ErrCodeAuthError,
		ErrCodePersistenceError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeValidationError,
		ErrCodeMissingField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidPhone:
		return 400

	// 402 Payment Required - gateway declined the push synchronously
	case ErrCodeGatewayRejected:
		return 402

	// 404 Not Found
	case ErrCodeTransactionNotFound,
		ErrCodeUnknownCorrelation:
		return 404

	// 409 Conflict - ledger state conflicts
	case ErrCodeTransactionPending,
		ErrCodeDuplicateCorrelation,
		ErrCodeReconciliationConflict:
		return 409

	// 502 Bad Gateway - upstream gateway failures
	case ErrCodeGatewayUnavailable,
		ErrCodeAuthError:
		return 502

	// 500 Internal Server Error - system/internal errors
	default:
		return 500
	}
}
