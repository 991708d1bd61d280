// Package apperror defines the gateway's error taxonomy and maps
// each kind to an HTTP status and a JSON envelope, the same two-bucket split
// (Application vs Internal) the original Rust service used.
package apperror

import (
	"encoding/json"
	"net/http"
)

// Kind is one of the closed set of error categories the gateway can return.
type Kind string

const (
	KindBadRequest    Kind = "bad_request"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindScriptError   Kind = "script_error"
	KindSerializeError Kind = "serialize_error"
	KindUnknown       Kind = "unknown"
)

var statusByKind = map[Kind]int{
	KindBadRequest:     http.StatusBadRequest,
	KindUnauthorized:   http.StatusUnauthorized,
	KindForbidden:      http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindScriptError:    http.StatusInternalServerError,
	KindSerializeError: http.StatusInternalServerError,
	KindUnknown:        http.StatusInternalServerError,
}

// Error is the typed error every handler path returns. It carries enough to
// render the `{error, reason?}` response body.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Message + ": " + e.Reason
	}
	return e.Message
}

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, message, reason string) *Error {
	return &Error{Kind: kind, Message: message, Reason: reason}
}

// BadRequest reports missing/invalid caller input.
func BadRequest(message string, reason ...string) *Error { return newErr(KindBadRequest, message, first(reason)) }

// Unauthorized reports a missing, malformed, or unverifiable token.
func Unauthorized(message string, reason ...string) *Error { return newErr(KindUnauthorized, message, first(reason)) }

// Forbidden reports an authenticated caller rejected by a later check
// (e.g. JWT signature mismatch after class dispatch).
func Forbidden(message string, reason ...string) *Error { return newErr(KindForbidden, message, first(reason)) }

// NotFound reports no matching connection, CMD, or CVM.
func NotFound(message string, reason ...string) *Error { return newErr(KindNotFound, message, first(reason)) }

// Conflict reports a CVM duplicate-create race loser.
func Conflict(message string, reason ...string) *Error { return newErr(KindConflict, message, first(reason)) }

// ScriptError reports a substitution or coercion failure.
func ScriptError(message string, reason ...string) *Error { return newErr(KindScriptError, message, first(reason)) }

// SerializeError reports a JSON/BSON conversion failure.
func SerializeError(message string, reason ...string) *Error { return newErr(KindSerializeError, message, first(reason)) }

// Unknown is the catch-all internal error.
func Unknown(message string, reason ...string) *Error { return newErr(KindUnknown, message, first(reason)) }

func first(reason []string) string {
	if len(reason) > 0 {
		return reason[0]
	}
	return ""
}

// As extracts an *Error from err, wrapping it as Unknown if it isn't one
// already. Handlers use this at their single top-level error-writing point.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return Unknown(err.Error())
}

// WriteJSON renders the error envelope `{error, reason?}` at the kind's
// mapped HTTP status.
func WriteJSON(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	body := map[string]string{"error": err.Message}
	if err.Reason != "" {
		body["reason"] = err.Reason
	}
	json.NewEncoder(w).Encode(body)
}
