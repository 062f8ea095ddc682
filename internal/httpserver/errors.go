package httpserver

import (
	"errors"
	"net/http"
	"strconv"
)

// Kind is the flat error-kind enum from spec §7. Every operational error in
// the control plane is classified as exactly one Kind; anything that isn't
// becomes Internal before it reaches an HTTP boundary.
type Kind string

const (
	KindAuthRequired      Kind = "auth_required"
	KindAuthInvalid       Kind = "auth_invalid"
	KindForbidden         Kind = "forbidden"
	KindRateLimited       Kind = "rate_limited"
	KindValidationFailed  Kind = "validation_failed"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal          Kind = "internal"
)

// status maps each Kind to its HTTP status code.
func (k Kind) status() int {
	switch k {
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error record every component returns instead of
// an ad-hoc error string: a code, a message, and optionally a retry-after
// hint or caller-facing details. Database-shaped errors (duplicate key,
// constraint violation, syntax) must be remapped to KindInternal with a
// generic message before they're wrapped here.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; zero means unset
	Details    any
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a tagged Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithRetryAfter attaches a Retry-After hint (seconds) to a rate_limited
// or service_unavailable error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithDetails attaches caller-facing detail (only ever surfaced outside
// production via RespondKindError's devMode flag).
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// AsError unwraps err into a *Error, falling back to an opaque KindInternal
// wrapper for anything the caller didn't tag explicitly — this is the
// "unexpected errors become internal with a generic message" rule from
// spec §7.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "an internal error occurred"}
}

// RespondKindError writes the taxonomy-coded {code, message} response for
// err, including RetryAfter headers/body and, when devMode is set,
// caller-facing details. Security-sensitive kinds (auth_invalid, forbidden)
// never carry details regardless of devMode — those failures must stay
// undifferentiated (spec §7 "single, undifferentiated shape").
func RespondKindError(w http.ResponseWriter, err error, devMode bool) {
	e := AsError(err)
	status := e.Kind.status()

	body := errorBody{
		Error:   string(e.Kind),
		Code:    string(e.Kind),
		Message: e.Message,
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
		ra := e.RetryAfter
		body.RetryAfter = &ra
	}

	undifferentiated := e.Kind == KindAuthInvalid || e.Kind == KindForbidden
	if devMode && e.Details != nil && !undifferentiated {
		body.Details = e.Details
	}

	Respond(w, status, body)
}
