// Package errors provides the coded error taxonomy used by the database worker.
package errors

import (
	"errors"
	"fmt"
)

// Connection error codes.
const (
	CodeAuthenticationFailed     = "AUTHENTICATION_FAILED"
	CodeNetworkUnreachable       = "NETWORK_UNREACHABLE"
	CodeConnectionTimeout        = "CONNECTION_TIMEOUT"
	CodeUnsupportedDriverFeature = "UNSUPPORTED_DRIVER_FEATURE"
	CodeNotConnected             = "NOT_CONNECTED"
)

// Query error codes.
const (
	CodeSyntaxOrExecution = "SYNTAX_OR_EXECUTION_ERROR"
	CodeCancelled         = "CANCELLED"
	CodeTimedOut          = "TIMED_OUT"
	CodeRowLimitExceeded  = "ROW_LIMIT_EXCEEDED"
)

// Schema error codes.
const (
	CodeIntrospectionFailed = "INTROSPECTION_FAILED"
)

// General error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)

// Category groups codes the way callers react to them.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryQuery      Category = "query"
	CategorySchema     Category = "schema"
	CategoryGeneral    Category = "general"
)

var categories = map[string]Category{
	CodeAuthenticationFailed:     CategoryConnection,
	CodeNetworkUnreachable:       CategoryConnection,
	CodeConnectionTimeout:        CategoryConnection,
	CodeUnsupportedDriverFeature: CategoryConnection,
	CodeNotConnected:             CategoryConnection,
	CodeSyntaxOrExecution:        CategoryQuery,
	CodeCancelled:                CategoryQuery,
	CodeTimedOut:                 CategoryQuery,
	CodeRowLimitExceeded:         CategoryQuery,
	CodeIntrospectionFailed:      CategorySchema,
	CodeInvalidRequest:           CategoryGeneral,
	CodeInternal:                 CategoryGeneral,
}

// Error represents a worker error with code, message, and optional details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Category returns the category of the error code.
func (e *Error) Category() Category {
	if c, ok := categories[e.Code]; ok {
		return c
	}
	return CategoryGeneral
}

// WithDetails replaces the details of the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors. Use them as errors.Is targets; build fresh values with New.
var (
	ErrNotConnected             = &Error{Code: CodeNotConnected, Message: "no active connection"}
	ErrCancelled                = &Error{Code: CodeCancelled, Message: "query cancelled"}
	ErrTimedOut                 = &Error{Code: CodeTimedOut, Message: "query timed out"}
	ErrRowLimitExceeded         = &Error{Code: CodeRowLimitExceeded, Message: "row limit exceeded"}
	ErrIntrospectionFailed      = &Error{Code: CodeIntrospectionFailed, Message: "schema introspection failed"}
	ErrUnsupportedDriverFeature = &Error{Code: CodeUnsupportedDriverFeature, Message: "unsupported driver feature"}
	ErrAuthenticationFailed     = &Error{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	ErrNetworkUnreachable       = &Error{Code: CodeNetworkUnreachable, Message: "network unreachable"}
	ErrConnectionTimeout        = &Error{Code: CodeConnectionTimeout, Message: "connection timed out"}
	ErrInvalidRequest           = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error.
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code string) bool {
	var workerErr *Error
	if errors.As(err, &workerErr) {
		return workerErr.Code == code
	}
	return false
}

// IsCancelled checks if an error is a cancellation.
func IsCancelled(err error) bool {
	return Is(err, CodeCancelled)
}

// IsTimedOut checks if an error is a query timeout.
func IsTimedOut(err error) bool {
	return Is(err, CodeTimedOut)
}

// IsConnectionError checks if an error belongs to the connection category.
func IsConnectionError(err error) bool {
	return CategoryOf(err) == CategoryConnection
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var workerErr *Error
	if errors.As(err, &workerErr) {
		return workerErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var workerErr *Error
	if errors.As(err, &workerErr) {
		return workerErr.Message
	}
	return err.Error()
}

// CategoryOf returns the category of err, or CategoryGeneral for foreign errors.
func CategoryOf(err error) Category {
	var workerErr *Error
	if errors.As(err, &workerErr) {
		return workerErr.Category()
	}
	return CategoryGeneral
}

// BackendMessage returns the innermost message of err, which for driver
// errors is the text the database server sent.
func BackendMessage(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
