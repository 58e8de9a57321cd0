// Package errors defines custom error types and sentinel errors for the offline engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors for common scenarios.
// These can be used with errors.Is() for error comparison.
var (
	// ErrInvalidURL is returned when a source URL is malformed or uses an unsupported scheme.
	ErrInvalidURL = errors.New("invalid URL provided")

	// ErrInsufficientSpace is returned when eviction cannot free enough space for an asset.
	ErrInsufficientSpace = errors.New("insufficient storage space")

	// ErrTaskNotFound is returned when a task ID does not match a stored task.
	ErrTaskNotFound = errors.New("download task not found")

	// ErrInvalidTransition is returned when a task status change is not a legal edge.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

const (
	unknownValue = "unknown"
)

// ErrorCode represents the different classes of failure in the engine.
type ErrorCode int

const (
	// CodeUnknown represents an unknown or unclassified error.
	CodeUnknown ErrorCode = iota

	// CodeInvalidURL represents errors related to malformed or invalid URLs.
	CodeInvalidURL

	// CodeInsufficientSpace represents errors due to lack of storage space.
	CodeInsufficientSpace

	// CodeNetworkError represents network-related errors.
	CodeNetworkError

	// CodeNotFound represents errors when the remote resource does not exist.
	CodeNotFound

	// CodeAuthenticationFailed represents authentication or authorization errors.
	CodeAuthenticationFailed

	// CodeServerError represents server-side errors (5xx HTTP status codes).
	CodeServerError

	// CodeClientError represents client-side errors (4xx HTTP status codes).
	CodeClientError

	// CodeCancelled represents errors when an operation was aborted.
	CodeCancelled

	// CodeCorruptedData represents a chunk or blob that does not match its declared range.
	CodeCorruptedData

	// CodeRangeNotSatisfiable represents a server that ignored or rejected a range request.
	CodeRangeNotSatisfiable

	// CodeRetriesExhausted represents a whole download failing after every attempt.
	CodeRetriesExhausted

	// CodeInvalidTransition represents an illegal task status change.
	CodeInvalidTransition

	// CodeTaskNotFound represents an unknown task ID.
	CodeTaskNotFound

	// CodeSyncFailed represents a remote that rejected or did not acknowledge events.
	CodeSyncFailed

	// CodeValidationError represents invalid input or configuration.
	CodeValidationError

	// CodeStorageError represents a local persistence failure.
	CodeStorageError
)

// String returns a string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeInvalidURL:
		return "invalid_url"
	case CodeInsufficientSpace:
		return "insufficient_space"
	case CodeNetworkError:
		return "network_error"
	case CodeNotFound:
		return "not_found"
	case CodeAuthenticationFailed:
		return "authentication_failed"
	case CodeServerError:
		return "server_error"
	case CodeClientError:
		return "client_error"
	case CodeCancelled:
		return "cancelled"
	case CodeCorruptedData:
		return "corrupted_data"
	case CodeRangeNotSatisfiable:
		return "range_not_satisfiable"
	case CodeRetriesExhausted:
		return "retries_exhausted"
	case CodeInvalidTransition:
		return "invalid_transition"
	case CodeTaskNotFound:
		return "task_not_found"
	case CodeSyncFailed:
		return "sync_failed"
	case CodeValidationError:
		return "validation_error"
	case CodeStorageError:
		return "storage_error"
	default:
		return unknownValue
	}
}

// DownloadError represents a structured error raised by the engine.
// It carries a user-facing message and the technical cause for debugging.
type DownloadError struct {
	// Code represents the type of error that occurred.
	Code ErrorCode

	// Message is a human-readable message suitable for a task's error field.
	Message string

	// Details contains technical details about the error for debugging purposes.
	Details string

	// URL is the source URL that caused the error, if applicable.
	URL string

	// TaskID is the task the error belongs to, if applicable.
	TaskID string

	// Underlying is the original error that caused this error.
	Underlying error

	// Retryable indicates whether this error condition might succeed if retried.
	Retryable bool

	// HTTPStatusCode contains the HTTP status code if the error is HTTP-related.
	HTTPStatusCode int

	// BytesTransferred indicates how many bytes were transferred before the error.
	BytesTransferred int64

	// Attempts is the number of whole-operation attempts made before giving up.
	Attempts int
}

// Error implements the error interface for DownloadError.
func (e *DownloadError) Error() string {
	msg := e.Message
	if msg == "" && e.Underlying != nil {
		msg = e.Underlying.Error()
	}

	if msg == "" {
		return "download error occurred"
	}

	if e.Message != "" && e.Underlying != nil {
		return msg + ": " + e.Underlying.Error()
	}

	return msg
}

// Unwrap returns the underlying error for error unwrapping support.
func (e *DownloadError) Unwrap() error {
	return e.Underlying
}

// Is implements error comparison against the package sentinels.
func (e *DownloadError) Is(target error) bool {
	switch e.Code {
	case CodeInvalidURL:
		return target == ErrInvalidURL
	case CodeInsufficientSpace:
		return target == ErrInsufficientSpace
	case CodeTaskNotFound:
		return target == ErrTaskNotFound
	case CodeInvalidTransition:
		return target == ErrInvalidTransition
	}

	return false
}

// NewDownloadError creates a new DownloadError with the specified code and message.
func NewDownloadError(code ErrorCode, message string) *DownloadError {
	return &DownloadError{
		Code:      code,
		Message:   message,
		Retryable: isRetryableByCode(code),
	}
}

// NewDownloadErrorWithDetails creates a new DownloadError with code, message, and technical details.
func NewDownloadErrorWithDetails(code ErrorCode, message, details string) *DownloadError {
	return &DownloadError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: isRetryableByCode(code),
	}
}

// NewValidationError reports invalid input for the named field.
func NewValidationError(field, message string) *DownloadError {
	return &DownloadError{
		Code:    CodeValidationError,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
	}
}

// NewTransitionError reports an illegal status change for a task.
func NewTransitionError(taskID string, from, to string) *DownloadError {
	return &DownloadError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot move task from %s to %s", from, to),
		TaskID:  taskID,
	}
}

// WrapError wraps an existing error as a DownloadError with additional context.
func WrapError(underlying error, code ErrorCode, message string) *DownloadError {
	return &DownloadError{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Retryable:  isRetryableByCode(code) || isRetryableError(underlying),
	}
}

// WrapErrorWithURL wraps an existing error as a DownloadError with URL context.
func WrapErrorWithURL(underlying error, code ErrorCode, message, url string) *DownloadError {
	e := WrapError(underlying, code, message)
	e.URL = url

	return e
}

// FromHTTPStatus creates a DownloadError based on an HTTP status code.
func FromHTTPStatus(statusCode int, url string) *DownloadError {
	var (
		code      ErrorCode
		message   string
		retryable bool
	)

	switch {
	case statusCode >= 500:
		code = CodeServerError
		message = fmt.Sprintf("server error (HTTP %d)", statusCode)
		retryable = true
	case statusCode == 429:
		code = CodeClientError
		message = "too many requests (HTTP 429)"
		retryable = true
	case statusCode == 416:
		code = CodeRangeNotSatisfiable
		message = "requested range not satisfiable"
	case statusCode == 404:
		code = CodeNotFound
		message = "resource not found on server"
	case statusCode == 401 || statusCode == 403:
		code = CodeAuthenticationFailed
		message = "authentication or authorization failed"
	case statusCode >= 400:
		code = CodeClientError
		message = fmt.Sprintf("client error (HTTP %d)", statusCode)
	default:
		code = CodeUnknown
		message = fmt.Sprintf("unexpected HTTP status: %d", statusCode)
	}

	return &DownloadError{
		Code:           code,
		Message:        message,
		URL:            url,
		Retryable:      retryable,
		HTTPStatusCode: statusCode,
	}
}

// isRetryableByCode determines if an error code represents a retryable condition.
func isRetryableByCode(code ErrorCode) bool {
	switch code {
	case CodeNetworkError, CodeServerError, CodeCorruptedData:
		return true
	default:
		return false
	}
}

// isNetworkRetryable determines if a network error is retryable based on error patterns.
func isNetworkRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"connection aborted",
		"unexpected eof",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isRetryableError checks if a standard Go error represents a retryable condition.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors represent cancellation by the caller
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		return isNetworkRetryable(err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableError(urlErr.Err)
	}

	return isNetworkRetryable(err)
}

// IsRetryable is a convenience function to check if any error is retryable.
func IsRetryable(err error) bool {
	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return downloadErr.Retryable
	}

	return isRetryableError(err)
}

// IsCancellation reports whether err stems from an aborted context.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return true
	}

	return GetErrorCode(err) == CodeCancelled
}

// GetErrorCode extracts the error code from any error, returning CodeUnknown
// if the error is not a DownloadError.
func GetErrorCode(err error) ErrorCode {
	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return downloadErr.Code
	}

	return CodeUnknown
}
