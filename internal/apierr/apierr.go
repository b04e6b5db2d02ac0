// Package apierr defines the error taxonomy shared by the catalog, signing,
// and storage layers, and maps it onto the JSON error envelope the HTTP
// handlers return.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/cosmian/findex-cloud/internal/httpserver"
)

// Kind classifies an error for the purpose of HTTP status mapping and metrics.
type Kind int

const (
	KindInvalidSignature Kind = iota
	KindExpiredRequest
	KindBadRequest
	KindUnknownProject
	KindAuthFailure
	KindTokenExpired
	KindBackendTransient
	KindBackendFatal
)

// String returns the stable machine-readable name used in the "error" field
// of JSON responses and in log lines.
func (k Kind) String() string {
	switch k {
	case KindInvalidSignature:
		return "invalid_signature"
	case KindExpiredRequest:
		return "expired_request"
	case KindBadRequest:
		return "bad_request"
	case KindUnknownProject:
		return "unknown_project"
	case KindAuthFailure:
		return "auth_failure"
	case KindTokenExpired:
		return "token_expired"
	case KindBackendTransient:
		return "backend_transient"
	case KindBackendFatal:
		return "backend_fatal"
	default:
		return "internal_error"
	}
}

// StatusFor maps a Kind to its HTTP status code: signature mismatch and
// expired-OIDC-token map to 403; expired request, malformed payload,
// unknown public id, and short framing map to 400; unknown project maps to
// 404; every other backend/OIDC failure maps to 500.
func StatusFor(k Kind) int {
	switch k {
	case KindInvalidSignature:
		return http.StatusForbidden
	case KindTokenExpired:
		return http.StatusForbidden
	case KindExpiredRequest:
		return http.StatusBadRequest
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnknownProject:
		return http.StatusNotFound
	case KindAuthFailure:
		return http.StatusInternalServerError
	case KindBackendTransient, KindBackendFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type returned by catalog, signing, and storage code.
// It carries a Kind for status mapping plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Respond writes the JSON error envelope for err, mapping its Kind to the
// matching HTTP status. Non-*Error values are treated as internal errors.
func Respond(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.RespondError(w, StatusFor(apiErr.Kind), apiErr.Kind.String(), apiErr.Message)
}
