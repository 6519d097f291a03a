package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "error without cause",
			err: &Error{
				Code:    CodeInvalidRequest,
				Message: "invalid input",
			},
			expected: "INVALID_REQUEST: invalid input",
		},
		{
			name: "error with cause",
			err: &Error{
				Code:    CodeSyntaxOrExecution,
				Message: "query failed",
				Cause:   fmt.Errorf("syntax error at or near \"SELEC\""),
			},
			expected: "SYNTAX_OR_EXECUTION_ERROR: query failed (caused by: syntax error at or near \"SELEC\")",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &Error{
		Code:    CodeTimedOut,
		Message: "query timed out",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.True(t, errors.Is(err, cause))
}

func TestError_Is(t *testing.T) {
	err1 := &Error{Code: CodeCancelled, Message: "cancelled"}
	err2 := &Error{Code: CodeCancelled, Message: "different message"}
	err3 := &Error{Code: CodeTimedOut, Message: "timeout"}
	stdErr := fmt.Errorf("standard error")

	assert.True(t, err1.Is(err2), "errors with same code should match")
	assert.False(t, err1.Is(err3), "errors with different codes should not match")
	assert.False(t, err1.Is(stdErr), "worker error should not match standard error")
}

func TestError_Category(t *testing.T) {
	tests := []struct {
		code     string
		expected Category
	}{
		{CodeAuthenticationFailed, CategoryConnection},
		{CodeNetworkUnreachable, CategoryConnection},
		{CodeConnectionTimeout, CategoryConnection},
		{CodeUnsupportedDriverFeature, CategoryConnection},
		{CodeSyntaxOrExecution, CategoryQuery},
		{CodeCancelled, CategoryQuery},
		{CodeTimedOut, CategoryQuery},
		{CodeRowLimitExceeded, CategoryQuery},
		{CodeIntrospectionFailed, CategorySchema},
		{"SOMETHING_ELSE", CategoryGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.expected, New(tt.code, "x").Category())
		})
	}
}

func TestError_WithDetail(t *testing.T) {
	err := New(CodeSyntaxOrExecution, "query failed").
		WithDetail("correlation_id", "q-1").
		WithDetail("rows", 3)

	assert.Equal(t, "q-1", err.Details["correlation_id"])
	assert.Equal(t, 3, err.Details["rows"])

	details := map[string]interface{}{"table": "users"}
	err = err.WithDetails(details)
	assert.Equal(t, details, err.Details)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "nothing %d", 1))

	cause := fmt.Errorf("boom")
	err := Wrapf(cause, CodeIntrospectionFailed, "failed to describe %s", "users")
	assert.Equal(t, CodeIntrospectionFailed, err.Code)
	assert.Equal(t, "failed to describe users", err.Message)
	assert.Equal(t, cause, err.Cause)
}

func TestHelpers(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", New(CodeCancelled, "cancelled by user"))

	assert.True(t, IsCancelled(wrapped))
	assert.False(t, IsTimedOut(wrapped))
	assert.Equal(t, CodeCancelled, GetCode(wrapped))
	assert.Equal(t, "cancelled by user", GetMessage(wrapped))
	assert.Equal(t, CategoryQuery, CategoryOf(wrapped))

	plain := fmt.Errorf("plain")
	assert.Equal(t, CodeInternal, GetCode(plain))
	assert.Equal(t, "plain", GetMessage(plain))
	assert.Equal(t, CategoryGeneral, CategoryOf(plain))

	assert.True(t, IsConnectionError(New(CodeNetworkUnreachable, "down")))
	assert.False(t, IsConnectionError(New(CodeTimedOut, "slow")))
}

func TestBackendMessage(t *testing.T) {
	inner := fmt.Errorf(`relation "missing" does not exist`)
	err := Wrap(fmt.Errorf("exec: %w", inner), CodeSyntaxOrExecution, "query failed")

	assert.Equal(t, `relation "missing" does not exist`, BackendMessage(err))
	assert.Equal(t, "", BackendMessage(nil))
}

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"deadline", context.DeadlineExceeded, CodeConnectionTimeout},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), CodeConnectionTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "db.invalid"}, CodeNetworkUnreachable},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}, CodeNetworkUnreachable},
		{"pg auth", fmt.Errorf(`FATAL: password authentication failed for user "app"`), CodeAuthenticationFailed},
		{"mysql auth", fmt.Errorf("Error 1045 (28000): Access denied for user 'app'@'10.0.0.1'"), CodeAuthenticationFailed},
		{"dial timeout", &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}, CodeNetworkUnreachable},
		{"wrapped dial timeout", Wrap(&net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}, CodeTimedOut, "query timed out"), CodeNetworkUnreachable},
		{"read timeout", &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, CodeConnectionTimeout},
		{"refused text", fmt.Errorf("dial tcp 127.0.0.1:1: connect: connection refused"), CodeNetworkUnreachable},
		{"io timeout text", fmt.Errorf("read tcp: i/o timeout"), CodeConnectionTimeout},
		{"already classified", New(CodeUnsupportedDriverFeature, "no such driver"), CodeUnsupportedDriverFeature},
		{"unknown", fmt.Errorf("something odd"), CodeNetworkUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyConnection(tt.err)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, CategoryConnection, got.Category())
		})
	}

	assert.Nil(t, ClassifyConnection(nil))

	got := ClassifyConnection(fmt.Errorf("connect: %w", &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}))
	assert.Equal(t, true, got.Details["dial_timed_out"])
	assert.True(t, IsDialFailure(got))
	assert.False(t, IsDialFailure(context.DeadlineExceeded))
}

func TestIsConnectionLoss(t *testing.T) {
	assert.False(t, IsConnectionLoss(nil))
	assert.False(t, IsConnectionLoss(context.Canceled))
	assert.False(t, IsConnectionLoss(fmt.Errorf("syntax error at or near")))
	assert.True(t, IsConnectionLoss(fmt.Errorf("driver: bad connection")))
	assert.True(t, IsConnectionLoss(&net.OpError{Op: "read", Err: fmt.Errorf("reset")}))
}
