package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
)

// writeDomainError maps a classified error to its HTTP status and the
// standardized error body. Unclassified errors surface as internal_error
// without leaking their message.
func writeDomainError(w http.ResponseWriter, err error) {
	var classified apierrors.Classified
	if errors.As(err, &classified) {
		apierrors.WriteSimpleError(w, classified.Code, classified.Message)
		return
	}

	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal server error")
}
