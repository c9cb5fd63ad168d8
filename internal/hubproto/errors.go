package hubproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Scope classifies where an error originated.
type Scope string

const (
	ScopeRequest   Scope = "request"
	ScopeSession   Scope = "session"
	ScopeAuth      Scope = "auth"
	ScopeTransport Scope = "transport"
	ScopeService   Scope = "service"
)

// Code is the closed set of error codes peers exchange. Codes outside this
// set never appear on the wire.
type Code string

const (
	CodeRequestValidationFailed Code = "REQUEST_VALIDATION_FAILED"
	CodeAuthorizationFailed     Code = "AUTHORIZATION_FAILED"
	CodeAuthRequired            Code = "AUTH_REQUIRED"
	CodeInvalidKey              Code = "INVALID_KEY"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeCapabilityNotSupported  Code = "CAPABILITY_NOT_SUPPORTED"
	CodeInternalError           Code = "INTERNAL_ERROR"
	CodeTimeout                 Code = "TIMEOUT"
	CodeRegistrationError       Code = "REGISTRATION_ERROR"
)

// Error is the tagged record carried in rpc:response frames and REST error
// envelopes. It implements error so handlers can return it directly.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Scope     Scope  `json:"scope"`
	Detail    any    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the REST status line.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeRequestValidationFailed, CodeRegistrationError:
		return http.StatusBadRequest
	case CodeAuthRequired, CodeInvalidKey:
		return http.StatusUnauthorized
	case CodeAuthorizationFailed:
		return http.StatusForbidden
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeCapabilityNotSupported:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{
		Code:    CodeRequestValidationFailed,
		Message: fmt.Sprintf(format, args...),
		Scope:   ScopeRequest,
	}
}

func AuthorizationError(format string, args ...any) *Error {
	return &Error{
		Code:    CodeAuthorizationFailed,
		Message: fmt.Sprintf(format, args...),
		Scope:   ScopeAuth,
	}
}

func AuthRequired() *Error {
	return &Error{
		Code:    CodeAuthRequired,
		Message: "authentication required",
		Scope:   ScopeAuth,
	}
}

func InvalidKey() *Error {
	return &Error{
		Code:    CodeInvalidKey,
		Message: "invalid API key",
		Scope:   ScopeAuth,
	}
}

func SessionNotFoundError(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session %s not found", sessionID),
		Scope:   ScopeSession,
	}
}

func CapabilityNotSupported(capability string) *Error {
	return &Error{
		Code:    CodeCapabilityNotSupported,
		Message: fmt.Sprintf("backend does not support %s", capability),
		Scope:   ScopeSession,
	}
}

func InternalError(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: fmt.Sprintf(format, args...),
		Scope:   ScopeService,
	}
}

func TimeoutError(method string) *Error {
	return &Error{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("%s timed out", method),
		Retryable: true,
		Scope:     ScopeTransport,
	}
}

func RegistrationError(format string, args ...any) *Error {
	return &Error{
		Code:    CodeRegistrationError,
		Message: fmt.Sprintf(format, args...),
		Scope:   ScopeTransport,
	}
}

// AsError extracts the typed error from a wrapped chain. Everything that is
// not already tagged surfaces as INTERNAL_ERROR; the original message is
// preserved so operators can still see the cause.
func AsError(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return InternalError("%s", err.Error())
}

// ErrorEnvelope is the REST error body.
type ErrorEnvelope struct {
	Error *Error `json:"error"`
}

// WriteHTTPError writes err as the REST error envelope with its mapped
// status code.
func WriteHTTPError(w http.ResponseWriter, err error) {
	e := AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: e})
}
