package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
)

// Gateway failure taxonomy. Callers match with errors.Is.
var (
	ErrTimeout               = sterrors.New("protogate: rpc timed out")
	ErrConnectionLost        = sterrors.New("protogate: broker connection lost")
	ErrUpstreamRejected      = sterrors.New("protogate: upstream rejected request")
	ErrModerationUnavailable = sterrors.New("protogate: moderation backend unavailable")
	ErrPolicyViolation       = sterrors.New("protogate: content policy violation")
	ErrNotFound              = sterrors.New("protogate: entity not found")
)

// Wiring errors returned by constructors and helpers.
var (
	ErrTopicRequired      = sterrors.New("protogate: topic is required")
	ErrPublisherRequired  = sterrors.New("protogate: publisher is required")
	ErrSubscriberRequired = sterrors.New("protogate: subscriber is required")
	ErrCallerRequired     = sterrors.New("protogate: rpc caller is required")
	ErrCompleterRequired  = sterrors.New("protogate: moderation completer is required")
	ErrConfigRequired     = sterrors.New("protogate: configuration is required")
	ErrHandlerRequired    = sterrors.New("protogate: handler function is required")
	ErrClientClosed       = fmt.Errorf("%w: client closed", ErrConnectionLost)
)

// UpstreamError carries the failure payload a backend service replied with.
type UpstreamError struct {
	Topic   string
	Reason  string
	Details any
}

func (e *UpstreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protogate: upstream %s rejected request", e.Topic)
	}
	return fmt.Sprintf("protogate: upstream %s rejected request: %s", e.Topic, e.Reason)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamRejected
}

// PolicyViolationError is the only moderation outcome that blocks a caller.
type PolicyViolationError struct {
	Reason  string
	Details map[string]any
}

func (e *PolicyViolationError) Error() string {
	return "protogate: policy violation: " + e.Reason
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// PublicError is the caller-visible error shape.
type PublicError struct {
	Reason  string `json:"reason"`
	Details any    `json:"details,omitempty"`
}

// ToPublic maps an internal error onto an HTTP status and the public error body.
// Correlation ids, broker topics and wrapped causes are not exposed.
func ToPublic(err error) (int, PublicError) {
	var violation *PolicyViolationError
	if sterrors.As(err, &violation) {
		return http.StatusUnprocessableEntity, PublicError{Reason: violation.Reason, Details: violation.Details}
	}

	var upstream *UpstreamError
	if sterrors.As(err, &upstream) {
		reason := upstream.Reason
		if reason == "" {
			reason = "request rejected"
		}
		return http.StatusBadGateway, PublicError{Reason: reason, Details: upstream.Details}
	}

	switch {
	case err == nil:
		return http.StatusOK, PublicError{}
	case sterrors.Is(err, ErrNotFound):
		return http.StatusNotFound, PublicError{Reason: "not found"}
	case sterrors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout, PublicError{Reason: "upstream timed out"}
	case sterrors.Is(err, ErrConnectionLost), sterrors.Is(err, ErrModerationUnavailable):
		return http.StatusServiceUnavailable, PublicError{Reason: "upstream unavailable"}
	case sterrors.Is(err, ErrPolicyViolation):
		return http.StatusUnprocessableEntity, PublicError{Reason: "content rejected"}
	default:
		return http.StatusInternalServerError, PublicError{Reason: "internal error"}
	}
}
