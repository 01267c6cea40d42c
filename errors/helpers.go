package errors

import "errors"

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If the cause is itself a SyncError, its Code and Retryable flag carry through
// to the wrapper so callers checking IsRetryable or CodeOf see the original
// classification. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	e := NewWithComponent(op, component, err)
	var inner *SyncError
	if errors.As(err, &inner) {
		e.Code = inner.Code
		e.Retryable = inner.Retryable
	}
	return e
}

// WrapOpComponentCode wraps an error with Op, Component, and an explicit
// ErrorCode, overriding any code carried by the cause.
// If err is nil, returns nil.
func WrapOpComponentCode(err error, op Operation, component string, code ErrorCode) error {
	if err == nil {
		return nil
	}
	e := NewWithComponent(op, component, err)
	e.Code = code
	return e
}
