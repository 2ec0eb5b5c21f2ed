// Package nexuserr defines the single error taxonomy used across Nexus's
// MCP, LLM, and rate-limit subsystems, so every boundary (HTTP handler,
// JSON-RPC dispatch, provider client) maps foreign errors into one shape
// instead of leaking upstream error text to callers.
package nexuserr

import (
	"fmt"
	"net/http"
)

// Kind is the error taxonomy from the specification's error design.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindInsufficientQuota    Kind = "insufficient_quota"
	KindModelNotFound        Kind = "model_not_found"
	KindToolNotFound         Kind = "tool_not_found"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindStreamingNotSupported Kind = "streaming_not_supported"
	KindProviderAPIError     Kind = "provider_api_error"
	KindConnectionError      Kind = "connection_error"
	KindInternalError        Kind = "internal_error"
)

// JSON-RPC 2.0 error codes per the MCP wire protocol.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	JSONRPCRateLimit      = -32000
)

// Error is the structured error type surfaced at every Nexus boundary.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Retryable  bool
	RetryAfter int // seconds, 0 when not applicable
	Provider   string
	Server     string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with its conventional HTTP status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatusFor(kind)}
}

// Wrap constructs an Error of the given kind, preserving cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// WithProvider tags the error with its originating LLM provider.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithServer tags the error with its originating MCP downstream server.
func (e *Error) WithServer(server string) *Error {
	e.Server = server
	return e
}

// WithRetryable marks whether the caller may safely retry.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithHTTPStatus overrides the default status for the kind (used for
// ProviderAPIError, whose status depends on the mapped upstream status).
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func httpStatusFor(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindStreamingNotSupported:
		return http.StatusBadRequest
	case KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindInsufficientQuota:
		return http.StatusForbidden
	case KindModelNotFound, KindToolNotFound:
		return http.StatusNotFound
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindProviderAPIError:
		return http.StatusBadGateway
	case KindConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a Kind onto the MCP wire protocol's error codes.
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindInvalidRequest:
		return JSONRPCInvalidParams
	case KindModelNotFound, KindToolNotFound:
		return JSONRPCMethodNotFound
	case KindRateLimitExceeded:
		return JSONRPCRateLimit
	case KindInternalError, KindProviderAPIError, KindConnectionError:
		return JSONRPCInternalError
	default:
		return JSONRPCInternalError
	}
}

// FromHTTPStatus maps an upstream provider's HTTP status to a ProviderAPIError,
// marking 5xx (and 429) as retryable.
func FromHTTPStatus(status int, body string, provider string) *Error {
	e := New(KindProviderAPIError, body).WithProvider(provider)
	if status >= 500 || status == http.StatusTooManyRequests {
		e.Retryable = true
	}
	e.HTTPStatus = status
	if status >= 500 {
		e.HTTPStatus = http.StatusBadGateway
	}
	return e
}
