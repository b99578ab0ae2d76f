package errors

import (
	stderrors "errors"
	"fmt"
)

// Classified wraps an underlying error with a machine-readable code so
// callers can branch on failure class without string matching.
type Classified struct {
	Code    ErrorCode // Machine-readable error code
	Message string    // User-friendly message
	Err     error     // Technical error for logging
}

func (e Classified) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e Classified) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message and no underlying cause.
func New(code ErrorCode, message string) Classified {
	return Classified{Code: code, Message: message}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, message string, err error) Classified {
	return Classified{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from err, walking the wrap chain.
// Unclassified errors map to internal_error.
func CodeOf(err error) ErrorCode {
	var c Classified
	if stderrors.As(err, &c) {
		return c.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
