// Package fault defines the closed error taxonomy shared by adapters, the
// orchestrator, and the HTTP surface. Every failure that crosses a
// component boundary is wrapped into an *Error before it leaves, so the
// gateway can map codes to statuses in one place and the SSE fabric can
// emit stable error events.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Code classifies a failure. The set is closed; adapters must not invent
// new codes.
type Code string

const (
	// CodeConfiguration marks missing or malformed upstream credentials
	// or base URLs. Never retried.
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// CodeValidation marks request shape or schema violations.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeAuthorization marks a model or app the user may not use.
	CodeAuthorization Code = "AUTHORIZATION_ERROR"

	// CodeNotFound marks an unknown app or model.
	CodeNotFound Code = "NOT_FOUND"

	// CodeRateLimit marks an upstream 429.
	CodeRateLimit Code = "RATE_LIMIT"

	// CodeProvider marks an upstream non-2xx or malformed body.
	CodeProvider Code = "PROVIDER_ERROR"

	// CodeNetwork marks DNS/TCP/TLS failures and upstream timeouts.
	CodeNetwork Code = "NETWORK_ERROR"

	// CodeToolExecution marks a tool failure. It is normalized into a
	// ToolResult by the runner and never escapes the orchestrator.
	CodeToolExecution Code = "TOOL_EXECUTION_ERROR"

	// CodeStreaming marks a malformed SSE frame from the upstream.
	CodeStreaming Code = "STREAMING_ERROR"

	// CodeBusy marks a second round submitted to a busy session.
	CodeBusy Code = "BUSY"

	// CodeInternal marks everything that should not happen.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a classified failure with enough context for logging, HTTP
// mapping, and localized user messages.
type Error struct {
	Code     Code
	Message  string
	Provider string
	Model    string

	// Status is the upstream HTTP status, when one was received.
	Status int

	// UpstreamBody is a snippet of the upstream error body (capped at
	// 8 KiB by the reader).
	UpstreamBody string

	// RetryAfter is set on rate-limit errors when the upstream provided
	// a Retry-After value.
	RetryAfter time.Duration

	// Timeout distinguishes network timeouts from other network errors.
	Timeout bool

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Code)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the code onto the response status the surface returns.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBusy:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeProvider, CodeStreaming:
		return http.StatusBadGateway
	case CodeNetwork:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// New builds an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Configuration builds a CONFIGURATION_ERROR for the named provider.
func Configuration(provider, format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization builds an AUTHORIZATION_ERROR.
func Authorization(format string, args ...any) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NOT_FOUND error for a named entity.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// Busy builds the 409 error for a session already running a round.
func Busy(chatID string) *Error {
	return &Error{Code: CodeBusy, Message: fmt.Sprintf("chat %s already has a round in progress", chatID)}
}

// Upstream classifies an upstream HTTP failure: 429 becomes RATE_LIMIT,
// everything else PROVIDER_ERROR with the body snippet attached.
func Upstream(provider, model string, status int, body string) *Error {
	e := &Error{
		Provider:     provider,
		Model:        model,
		Status:       status,
		UpstreamBody: body,
		Message:      fmt.Sprintf("upstream returned %d", status),
	}
	if status == http.StatusTooManyRequests {
		e.Code = CodeRateLimit
	} else {
		e.Code = CodeProvider
	}
	return e
}

// WithRetryAfter records the upstream's Retry-After value.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Network wraps a transport-level failure, distinguishing timeouts.
func Network(provider string, cause error) *Error {
	e := &Error{
		Code:     CodeNetwork,
		Provider: provider,
		Cause:    cause,
		Timeout:  isTimeout(cause),
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Provider wraps a malformed-body or otherwise unclassifiable upstream
// failure.
func Provider(provider, model string, cause error) *Error {
	e := &Error{Code: CodeProvider, Provider: provider, Model: model, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Streaming marks a malformed upstream SSE frame.
func Streaming(provider, format string, args ...any) *Error {
	return &Error{Code: CodeStreaming, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	e := &Error{Code: CodeInternal}
	if cause != nil {
		e.Cause = cause
		e.Message = cause.Error()
	}
	return e
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of a classified error, or CodeInternal for
// anything unclassified.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return CodeInternal
}

// IsCanceled reports whether the failure is a context cancellation rather
// than an upstream problem. Cancelled rounds end with a disconnected
// event, not an error event.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
