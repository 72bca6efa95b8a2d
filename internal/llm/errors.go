package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	// ErrContextLengthExceeded means the prompt does not fit the model.
	// It aborts the whole fallback chain: a smaller model will not fit it
	// either.
	ErrContextLengthExceeded = errors.New("llm: context length exceeded")

	// ErrAllProvidersFailed is matched by *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("llm: all providers failed")
)

// RoutingError reports a model id that cannot be served. It is never
// retried.
type RoutingError struct {
	ModelID string
	Reason  string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("llm: cannot route %q: %s", e.ModelID, e.Reason)
}

// ProviderError is a structured failure returned by a provider call.
type ProviderError struct {
	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, zero when the request never got a
	// response.
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// NewProviderError creates a ProviderError wrapping cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithStatus sets the HTTP status.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("llm: ")
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString(" model=")
		b.WriteString(e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// AllProvidersFailedError is returned when every model in the chain failed.
type AllProvidersFailedError struct {
	Attempts []CandidateError
}

// CandidateError is the final failure of one chain entry.
type CandidateError struct {
	ModelID string
	Err     error
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersFailed.Error() + ": no usable models"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.ModelID, a.Err)
	}
	return fmt.Sprintf("%s (%s)", ErrAllProvidersFailed, strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// retryableStatus are HTTP statuses worth retrying against the same model.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable classifies a provider failure as transient: a retryable HTTP
// status or a network I/O failure. Cancellation, routing errors and context
// overflow are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrContextLengthExceeded) {
		return false
	}
	var routing *RoutingError
	if errors.As(err, &routing) {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr.Status != 0 {
		return retryableStatus[perr.Status]
	}
	return IsNetworkError(err)
}

// IsNetworkError reports transport-level failures: connection resets and
// refusals, timeouts and truncated responses.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var contextLengthMarkers = []string{
	"context length",
	"context_length_exceeded",
	"context window",
	"maximum context",
	"prompt is too long",
	"input is too long",
	"too many tokens",
	"exceeds the maximum number of tokens",
	"input token count",
}

// IsContextLengthMessage reports whether a provider error message describes
// a prompt that exceeds the model's context window.
func IsContextLengthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range contextLengthMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
