package protocol

// ErrorCategory buckets system.error frames for client handling.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryBusiness       ErrorCategory = "business"
	CategoryServer         ErrorCategory = "server"
	CategoryUpstream       ErrorCategory = "upstream"
)

// Stable error codes carried in system.error frames.
const (
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeHandlerNotFound    = "HANDLER_NOT_FOUND"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeInvalidState       = "INVALID_STATE"
	CodeMessageError       = "MESSAGE_ERROR"
	CodeItemLoadFailed     = "ITEM_LOAD_FAILED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeResumeFailed       = "RESUME_FAILED"
	CodeForbidden          = "FORBIDDEN"
)

// ErrorPayload is the body of every system.error frame.
type ErrorPayload struct {
	Category     ErrorCategory `json:"category"`
	Code         string        `json:"code"`
	Message      string        `json:"message,omitempty"`
	IsRetryable  bool          `json:"isRetryable"`
	RetryAfterMs int64         `json:"retryAfterMs,omitempty"`
	Details      []string      `json:"details,omitempty"`
}

// Error lets handlers return a payload directly; the router unwraps it
// into a system.error frame.
func (e *ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}

// UnknownMessageType builds the rejection for a type outside the registry.
func UnknownMessageType(t string) *ErrorPayload {
	return &ErrorPayload{
		Category:    CategoryValidation,
		Code:        CodeUnknownMessageType,
		Message:     "unknown message type " + t,
		IsRetryable: false,
	}
}

// InvalidPayload builds the rejection for a schema-invalid payload.
func InvalidPayload(t string, schemaErrors []string) *ErrorPayload {
	msg := "invalid payload"
	if t != "" {
		msg = "invalid payload for " + t
	}
	return &ErrorPayload{
		Category:    CategoryValidation,
		Code:        CodeInvalidPayload,
		Message:     msg,
		IsRetryable: false,
		Details:     schemaErrors,
	}
}

// RateLimited builds the rejection for an exhausted token bucket.
func RateLimited(retryAfterMs int64) *ErrorPayload {
	return &ErrorPayload{
		Category:     CategoryRateLimit,
		Code:         CodeRateLimitExceeded,
		Message:      "rate limit exceeded",
		IsRetryable:  true,
		RetryAfterMs: retryAfterMs,
	}
}

// InvalidState builds the rejection for a message the orchestrator cannot
// accept in its current state.
func InvalidState(msg string) *ErrorPayload {
	return &ErrorPayload{
		Category:    CategoryBusiness,
		Code:        CodeInvalidState,
		Message:     msg,
		IsRetryable: true,
	}
}

// HandlerError wraps an unhandled handler failure.
func HandlerError(msg string) *ErrorPayload {
	return &ErrorPayload{
		Category:    CategoryServer,
		Code:        CodeHandlerError,
		Message:     msg,
		IsRetryable: true,
	}
}

// UpstreamUnavailable reports a failed or breaker-open upstream call.
func UpstreamUnavailable(msg string) *ErrorPayload {
	return &ErrorPayload{
		Category:    CategoryUpstream,
		Code:        CodeUpstreamUnavailable,
		Message:     msg,
		IsRetryable: true,
	}
}

// ItemLoadFailed reports a templated-content generation failure. The
// template runner does not advance past the item.
func ItemLoadFailed(msg string) *ErrorPayload {
	return &ErrorPayload{
		Category:    CategoryBusiness,
		Code:        CodeItemLoadFailed,
		Message:     msg,
		IsRetryable: true,
	}
}
