package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode categorizes RPC call failures. The taxonomy drives both retry
// behavior and health accounting: admission errors are a routing concern,
// transport errors count against a provider's circuit breaker, protocol
// errors indicate a provider-side bug rather than plain unavailability.
type ErrorCode string

const (
	ErrCodeUnknown     ErrorCode = "unknown"
	ErrCodeRateLimit   ErrorCode = "rate_limit"
	ErrCodeCircuitOpen ErrorCode = "circuit_open"
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeNetwork     ErrorCode = "network"
	ErrCodeServerError ErrorCode = "server_error"
	ErrCodeProtocol    ErrorCode = "protocol"
	ErrCodeRPC         ErrorCode = "rpc"
	ErrCodeExhausted   ErrorCode = "exhausted"
)

// RpcError represents a standardized error from an RPC provider call.
type RpcError struct {
	Code        ErrorCode // Categorized error code
	Message     string    // Human-readable message
	StatusCode  int       // HTTP status code (0 if not applicable)
	ProviderID  string    // Which provider generated this error
	Method      string    // The RPC method that failed
	OriginalErr error     // Wrapped original error
	RetryAfter  int       // Seconds to wait before retry (for rate limits)
}

// Error implements the error interface.
func (e *RpcError) Error() string {
	prefix := ""
	if e.ProviderID != "" {
		prefix = fmt.Sprintf("[%s] ", e.ProviderID)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s%s (status=%d, code=%s)", prefix, e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s%s (code=%s)", prefix, e.Message, e.Code)
}

// Unwrap returns the original error for errors.Is/As.
func (e *RpcError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns true if the failure may succeed against another
// provider within the same logical request.
func (e *RpcError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeCircuitOpen, ErrCodeTimeout, ErrCodeNetwork, ErrCodeServerError:
		return true
	}
	return false
}

// CountsAgainstBreaker reports whether the failure should increment the
// provider's circuit-breaker failure count. Rate limiting is expected
// backpressure, not a health signal, and circuit-open short circuits never
// reached the provider at all.
func (e *RpcError) CountsAgainstBreaker() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeNetwork, ErrCodeServerError, ErrCodeProtocol:
		return true
	}
	return false
}

// WithMethod sets the method field and returns the error for chaining.
func (e *RpcError) WithMethod(method string) *RpcError {
	e.Method = method
	return e
}

// WithStatusCode sets the status code field and returns the error for chaining.
func (e *RpcError) WithStatusCode(statusCode int) *RpcError {
	e.StatusCode = statusCode
	return e
}

// WithOriginalErr sets the original error field and returns the error for chaining.
func (e *RpcError) WithOriginalErr(err error) *RpcError {
	e.OriginalErr = err
	return e
}

// NewRpcError creates a new RpcError.
func NewRpcError(providerID string, code ErrorCode, message string) *RpcError {
	return &RpcError{
		Code:       code,
		Message:    message,
		ProviderID: providerID,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(providerID string, retryAfter int) *RpcError {
	return &RpcError{
		Code:       ErrCodeRateLimit,
		Message:    "rate limit exceeded",
		ProviderID: providerID,
		RetryAfter: retryAfter,
	}
}

// NewCircuitOpenError creates an error for a short-circuited call.
func NewCircuitOpenError(providerID string) *RpcError {
	return &RpcError{
		Code:       ErrCodeCircuitOpen,
		Message:    "circuit breaker open",
		ProviderID: providerID,
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(providerID string, message string) *RpcError {
	return &RpcError{
		Code:       ErrCodeTimeout,
		Message:    message,
		ProviderID: providerID,
	}
}

// NewNetworkError creates a transport-level error.
func NewNetworkError(providerID string, message string) *RpcError {
	return &RpcError{
		Code:       ErrCodeNetwork,
		Message:    message,
		ProviderID: providerID,
	}
}

// NewServerError creates a provider-side server error.
func NewServerError(providerID string, statusCode int, message string) *RpcError {
	return &RpcError{
		Code:       ErrCodeServerError,
		Message:    message,
		ProviderID: providerID,
		StatusCode: statusCode,
	}
}

// NewProtocolError creates an error for a malformed or unexpected JSON-RPC
// response. Protocol errors are logged distinctly since they may indicate a
// provider-side bug rather than unavailability.
func NewProtocolError(providerID string, message string) *RpcError {
	return &RpcError{
		Code:       ErrCodeProtocol,
		Message:    message,
		ProviderID: providerID,
	}
}

// NewRPCResponseError creates an error carried inside a well-formed JSON-RPC
// error response (the server understood the request and rejected it).
func NewRPCResponseError(providerID string, rpcCode int, message string) *RpcError {
	return &RpcError{
		Code:       ErrCodeRPC,
		Message:    fmt.Sprintf("rpc error %d: %s", rpcCode, message),
		ProviderID: providerID,
	}
}

// ClassifyHTTPError determines the error code for an HTTP status.
func ClassifyHTTPError(statusCode int) ErrorCode {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case statusCode >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeUnknown
	}
}

// AttemptError pairs a provider with the error its attempt produced.
type AttemptError struct {
	ProviderID string
	Err        *RpcError
}

// ExhaustionError is returned when every eligible provider failed to
// complete a call. It carries the last failure per attempted provider so
// callers can tell "every provider is down" from "my request was bad".
type ExhaustionError struct {
	Method   string
	Attempts []AttemptError
}

// Error implements the error interface.
func (e *ExhaustionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no eligible providers", e.Method)
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.ProviderID, a.Err.Error()))
	}
	return fmt.Sprintf("%s: all providers exhausted: %s", e.Method, strings.Join(parts, "; "))
}

// Unwrap exposes the per-attempt errors to errors.Is/As.
func (e *ExhaustionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
