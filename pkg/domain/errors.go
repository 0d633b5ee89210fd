package domain

import "errors"

// Common domain errors
var (
	ErrPolicyEvalFailed    = errors.New("policy evaluation failed")
	ErrRequestDenied       = errors.New("request denied")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrTrackerListInvalid  = errors.New("invalid tracker list")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model returned by the proxy when it
// answers a request itself instead of forwarding it.
// RequestID carries the identifier the proxy assigned to the request.
type ErrorResponse struct {
	Code      string `json:"code"`                 // Machine-readable error code (e.g., REQUEST_DENIED, POLICY_ERROR)
	Message   string `json:"message"`              // Human-readable message (safe for logs)
	RequestID string `json:"request_id,omitempty"` // Correlation ID
	TraceID   string `json:"trace_id,omitempty"`   // Optional OpenTelemetry trace identifier
}
