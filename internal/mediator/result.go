package mediator

import "fmt"

// OperationResult is the uniform outcome of a dispatched command.
// StatusCode follows HTTP conventions so callers can map outcomes to
// protocol errors without inspecting strings.
type OperationResult struct {
	Success    bool     `json:"success"`
	Data       any      `json:"data,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	StatusCode int      `json:"statusCode"`
}

// OK wraps data in a successful 200 result.
func OK(data any) *OperationResult {
	return &OperationResult{Success: true, Data: data, StatusCode: 200}
}

// NotFound reports a missing aggregate.
func NotFound(kind, id string) *OperationResult {
	return &OperationResult{
		Errors:     []string{fmt.Sprintf("%s %q not found", kind, id)},
		StatusCode: 404,
	}
}

// BadRequest reports an invalid command.
func BadRequest(msg string) *OperationResult {
	return &OperationResult{Errors: []string{msg}, StatusCode: 400}
}

// Conflict reports an optimistic-concurrency version mismatch.
func Conflict(msg string) *OperationResult {
	return &OperationResult{Errors: []string{msg}, StatusCode: 409}
}

// InternalServerError reports an unexpected handler failure.
func InternalServerError(msg string) *OperationResult {
	return &OperationResult{Errors: []string{msg}, StatusCode: 500}
}

// FirstError returns the leading error message, or "".
func (r *OperationResult) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}
