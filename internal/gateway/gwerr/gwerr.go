// Package gwerr defines the rejection and failure kinds reported by the gateway.
package gwerr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Kind identifies why a request was rejected or failed
type Kind string

const (
	AuthMissing         Kind = "auth_missing"
	AuthInvalid         Kind = "auth_invalid"
	KeyInactive         Kind = "key_inactive"
	ModelUnknown        Kind = "model_unknown"
	ModelNotAllowed     Kind = "model_not_allowed"
	ConcurrencyExceeded Kind = "concurrency_exceeded"
	RateLimitExceeded   Kind = "rate_limit_exceeded"
	BudgetExceeded      Kind = "budget_exceeded"
	BackendUnavailable  Kind = "backend_unavailable"
	BackendError        Kind = "backend_error"
	LedgerWriteFailed   Kind = "ledger_write_failed"
	InvalidRequest      Kind = "invalid_request"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	Internal            Kind = "internal_error"
)

// HTTPStatus maps a kind to the status code returned to the caller
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthMissing, AuthInvalid, KeyInactive:
		return http.StatusUnauthorized
	case ModelUnknown:
		return http.StatusNotFound
	case ModelNotAllowed:
		return http.StatusForbidden
	case ConcurrencyExceeded, RateLimitExceeded, BudgetExceeded:
		return http.StatusTooManyRequests
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	case BackendError:
		return http.StatusBadGateway
	case InvalidRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter is a hint for throttling kinds, zero when unknown
	RetryAfter time.Duration
}

// New returns an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, gwerr.New(k, ""))
// checks the kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or Internal if it is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// Write renders err as a JSON error body with the mapped status code.
// Unclassified errors are reported as internal without their detail.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(Internal, "internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	w.WriteHeader(e.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorPayload{
		Type:    string(e.Kind),
		Message: e.Message,
	}})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
