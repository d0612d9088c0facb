// Package errors provides the failure taxonomy for the insights pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Blocked means the site rejected or challenged the session.
	Blocked
	// TimedOut means no response arrived within the budget.
	TimedOut
	// ParseFailed means the page loaded but the expected structure was absent.
	ParseFailed
	// Busy means the gatekeeper declined concurrent admission.
	Busy
	// InvalidInput means the keyword was empty or unusable.
	InvalidInput
	// Cancelled represents context cancellation.
	Cancelled
	// Storage represents persistence collaborator failures.
	Storage
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Blocked:
		return "blocked"
	case TimedOut:
		return "timed_out"
	case ParseFailed:
		return "parse_failed"
	case Busy:
		return "busy"
	case InvalidInput:
		return "invalid_input"
	case Cancelled:
		return "cancelled"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// ParseErrorType is the inverse of String. Unrecognized names map to Unknown.
func ParseErrorType(s string) ErrorType {
	for t := Unknown; t <= Storage; t++ {
		if t.String() == s {
			return t
		}
	}
	return Unknown
}

// FromFailure rebuilds a classified error from its caller-facing form.
func FromFailure(f *model.Failure, keyword string) *InsightError {
	if f == nil {
		return nil
	}
	return New(ParseErrorType(f.Type), keyword, "analyze", f.Message, nil)
}

// IsRetryable returns whether errors of this type are retried by the scrape engine.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Blocked, TimedOut, ParseFailed:
		return true
	default:
		return false
	}
}

// Remedy returns the suggestion shown to users for this failure type.
func (t ErrorType) Remedy() string {
	switch t {
	case Blocked:
		return "The site challenged the session. Try again later or use fewer or alternate keywords."
	case TimedOut:
		return "The site did not respond in time. Retry in a few minutes."
	case ParseFailed:
		return "The results page did not contain recognizable listings. Try a different keyword."
	case Busy:
		return "Another analysis is running. Retry shortly or submit with queueing enabled."
	case InvalidInput:
		return "Enter a non-empty product keyword."
	case Cancelled:
		return "The request was cancelled before it finished."
	case Storage:
		return "Stored data is unavailable. Check the database connection."
	default:
		return "An unexpected error occurred. Retry the analysis."
	}
}

// InsightError represents a classified pipeline failure.
type InsightError struct {
	Type      ErrorType
	Keyword   string
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *InsightError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s during %s for %q: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.Keyword, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s during %s for %q: %s",
		e.Type.String(), e.Operation, e.Keyword, e.Message)
}

// Unwrap returns the underlying error.
func (e *InsightError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *InsightError) Is(target error) bool {
	t, ok := target.(*InsightError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Remedy returns the user-facing suggestion for this error.
func (e *InsightError) Remedy() string {
	return e.Type.Remedy()
}

// Failure converts the error to the caller-facing classification.
func (e *InsightError) Failure() *model.Failure {
	return &model.Failure{
		Type:    e.Type.String(),
		Message: e.Message,
		Remedy:  e.Remedy(),
	}
}

// New creates a new InsightError.
func New(errType ErrorType, keyword, operation, message string, cause error) *InsightError {
	return &InsightError{
		Type:      errType,
		Keyword:   keyword,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewBlockedError creates a blocked error naming the marker that matched.
func NewBlockedError(keyword, operation, marker string) *InsightError {
	return New(Blocked, keyword, operation, fmt.Sprintf("site returned a block page (%s)", marker), nil)
}

// NewTimedOutError creates a timeout error.
func NewTimedOutError(keyword, operation string, cause error) *InsightError {
	return New(TimedOut, keyword, operation, "navigation did not complete in time", cause)
}

// NewParseFailedError creates a parse error.
func NewParseFailedError(keyword, operation, message string) *InsightError {
	return New(ParseFailed, keyword, operation, message, nil)
}

// NewBusyError creates a busy error.
func NewBusyError(keyword string) *InsightError {
	return New(Busy, keyword, "submit", "another analysis is already running", nil)
}

// NewInvalidInputError creates an invalid input error.
func NewInvalidInputError(keyword, message string) *InsightError {
	return New(InvalidInput, keyword, "validate", message, nil)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(keyword, operation string) *InsightError {
	return New(Cancelled, keyword, operation, "operation cancelled", nil)
}

// NewStorageError creates a storage error.
func NewStorageError(keyword, operation string, cause error) *InsightError {
	return New(Storage, keyword, operation, "persistence failed", cause)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, keyword string) *InsightError {
	if err == nil {
		return nil
	}

	var insightErr *InsightError
	if errors.As(err, &insightErr) {
		return insightErr
	}

	if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled") {
		return NewCancelledError(keyword, "request")
	}

	if isTimeout(err) {
		return NewTimedOutError(keyword, "request", err)
	}

	return New(Unknown, keyword, "request", err.Error(), err)
}

// isTimeout checks if an error is a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var insightErr *InsightError
	if errors.As(err, &insightErr) {
		return insightErr.Retryable
	}

	return isTimeout(err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var insightErr *InsightError
	if errors.As(err, &insightErr) {
		return insightErr.Type
	}
	return Unknown
}

// ToFailure classifies any error into the caller-facing form.
func ToFailure(err error, keyword string) *model.Failure {
	if err == nil {
		return nil
	}
	return Categorize(err, keyword).Failure()
}
