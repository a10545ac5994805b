package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest   ErrorType = "invalid_request"
	ErrorTypeResourceError    ErrorType = "resource_error"
	ErrorTypeExecutionFailure ErrorType = "execution_failure"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeParseError       ErrorType = "parse_error"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeTooManyRequests  ErrorType = "too_many_requests"
	ErrorTypeServerError      ErrorType = "server_error"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
// Invalid requests never cause side effects.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewResourceError creates an APIError for a run whose output location
// could not be allocated.
func NewResourceError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeResourceError,
		Message: message,
	}
}

// NewExecutionFailure creates an APIError for a backend that exited with a
// non-zero status. The message carries the captured stderr.
func NewExecutionFailure(exitCode int, stderr string) *APIError {
	return &APIError{
		Type:    ErrorTypeExecutionFailure,
		Code:    fmt.Sprintf("exit_%d", exitCode),
		Message: stderr,
	}
}

// NewTimeoutError creates an APIError for a backend that exceeded its
// wall-clock bound and was terminated.
func NewTimeoutError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTimeout,
		Message: message,
	}
}

// NewParseError creates an APIError for a malformed artifact. The param
// identifies the offending file.
func NewParseError(file, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeParseError,
		Param:   file,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for capacity rejections.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}
