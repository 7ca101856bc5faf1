// Package apierr translates the seven §7 error kinds into HTTP status codes
// and JSON bodies. It is applied only at the HTTP adapter boundary — the
// core components (authcode, listener, imap) return plain Go errors and
// never import this package.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is one of the §7 error kinds observable at system boundaries.
type Kind string

const (
	InvalidRequest        Kind = "invalid_request"
	InvalidClient         Kind = "invalid_client"
	InvalidGrant          Kind = "invalid_grant"
	UnsupportedGrantType  Kind = "unsupported_grant_type"
	InvalidCredentials    Kind = "invalid_credentials"
	UpstreamUnavailable   Kind = "upstream_unavailable"
	Internal              Kind = "internal"
)

// statusFor maps a Kind to its HTTP status per §7's table.
var statusFor = map[Kind]int{
	InvalidRequest:       http.StatusBadRequest,
	InvalidClient:        http.StatusUnauthorized,
	InvalidGrant:         http.StatusBadRequest,
	UnsupportedGrantType: http.StatusBadRequest,
	InvalidCredentials:   http.StatusBadRequest,
	UpstreamUnavailable:  http.StatusInternalServerError,
	Internal:             http.StatusInternalServerError,
}

// Error is a Kind carrying a human-readable message, satisfying the error
// interface so it can flow through ordinary Go error returns until it
// reaches the HTTP adapter.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status returns the HTTP status code for kind, defaulting to 500 for an
// unrecognized kind.
func Status(kind Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err, falling back to Internal for anything
// the core didn't wrap explicitly — unexpected errors are never leaked
// verbatim to the HTTP client.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: Internal, Message: "internal error"}
}

// body is the wire shape for a JSON error response.
type body struct {
	Error string `json:"error"`
}

// Write serializes err as a JSON error document with the status matching
// its Kind.
func Write(w http.ResponseWriter, err error) {
	apiErr := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(apiErr.Kind))
	json.NewEncoder(w).Encode(body{Error: apiErr.Message})
}
