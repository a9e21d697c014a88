// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Sentinel errors for the transport layer.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Detailer is implemented by errors that expose structured problem details.
type Detailer interface {
	ProblemDetails() any
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind shared.Kind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindInsufficientInventory, shared.KindConflict, shared.KindInvalidState:
		return http.StatusConflict
	case shared.KindExternalLookup:
		return http.StatusUnprocessableEntity
	case shared.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// and data integrity failures never expose their message.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
		return
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	kind := shared.KindOf(err)
	status := StatusFor(kind)
	p := ProblemDetail{
		Type:   "urn:wms:problem:" + string(kind),
		Title:  http.StatusText(status),
		Status: status,
		Kind:   string(kind),
	}
	if status != http.StatusInternalServerError {
		p.Detail = err.Error()
	}
	var typed *shared.Error
	if errors.As(err, &typed) && len(typed.Fields) > 0 {
		p.Errors = typed.Fields
	}
	var d Detailer
	if errors.As(err, &d) {
		p.Details = d.ProblemDetails()
	}
	if shared.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	WriteProblem(w, p)
}
