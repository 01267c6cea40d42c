package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpSaveSnapshot,
			component: "storage",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "save_snapshot operation failed in storage component [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpCheckConflicts,
			component: "engine",
			err:       fmt.Errorf("ledger read failed"),
			want:      "check_conflicts operation failed in engine component: ledger read failed",
		},
		{
			name: "without component with code",
			op:   OpFetchSheet,
			code: ErrCodeGatewayUnavailable,
			err:  fmt.Errorf("connection refused"),
			want: "fetch_sheet operation failed [GATEWAY_UNAVAILABLE]: connection refused",
		},
		{
			name: "without component or code",
			op:   OpFetchSheet,
			err:  fmt.Errorf("connection refused"),
			want: "fetch_sheet operation failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("SyncError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewGatewayError(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	syncErr := NewGatewayError(OpFetchSheet, cause)

	if syncErr.Code != ErrCodeGatewayUnavailable {
		t.Errorf("NewGatewayError() Code = %v, want %v", syncErr.Code, ErrCodeGatewayUnavailable)
	}
	if syncErr.Component != "gateway" {
		t.Errorf("NewGatewayError() Component = %v, want %v", syncErr.Component, "gateway")
	}
	if syncErr.Err != cause {
		t.Errorf("NewGatewayError() Err = %v, want %v", syncErr.Err, cause)
	}
	if !syncErr.Retryable {
		t.Error("NewGatewayError() created non-retryable error")
	}
}

func TestNewDecodeError(t *testing.T) {
	cause := fmt.Errorf("unexpected end of JSON input")
	syncErr := NewDecodeError(OpFetchSheet, cause)

	if syncErr.Code != ErrCodeDecodeFailure {
		t.Errorf("NewDecodeError() Code = %v, want %v", syncErr.Code, ErrCodeDecodeFailure)
	}
	if syncErr.Retryable {
		t.Error("NewDecodeError() created retryable error")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	wrapped := NewStorageError(OpSaveSnapshot, cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var syncErr *SyncError
	if !errors.As(wrapped, &syncErr) {
		t.Error("errors.As should find the SyncError")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewGatewayError(OpFetchSheet, fmt.Errorf("timeout"))) {
		t.Error("gateway errors should be retryable")
	}
	if IsRetryable(NewValidationError(OpRecordEdit, fmt.Errorf("bad value"))) {
		t.Error("validation errors should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDecodeError(OpFetchSheet, fmt.Errorf("bad schema")))
	if got := CodeOf(err); got != ErrCodeDecodeFailure {
		t.Errorf("CodeOf() = %v, want %v", got, ErrCodeDecodeFailure)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %v, want empty", got)
	}
}

func TestWrapOpComponent_PropagatesClassification(t *testing.T) {
	cause := NewGatewayError(OpFetchSheet, fmt.Errorf("no route to host"))
	wrapped := WrapOpComponent(cause, OpCheckConflicts, "engine")

	if !IsRetryable(wrapped) {
		t.Error("wrapping must not hide the cause's retryability")
	}
	if CodeOf(wrapped) != ErrCodeGatewayUnavailable {
		t.Errorf("CodeOf() = %v, want %v", CodeOf(wrapped), ErrCodeGatewayUnavailable)
	}

	var syncErr *SyncError
	if !errors.As(wrapped, &syncErr) {
		t.Fatal("expected SyncError")
	}
	if syncErr.Op != OpCheckConflicts || syncErr.Component != "engine" {
		t.Errorf("outer error = %v/%v", syncErr.Op, syncErr.Component)
	}
}

func TestWrapOpComponent_NilErr(t *testing.T) {
	if WrapOpComponent(nil, OpPublish, "engine") != nil {
		t.Error("WrapOpComponent(nil) should return nil")
	}
	if WrapOpComponentCode(nil, OpPublish, "engine", ErrCodeConflictFailure) != nil {
		t.Error("WrapOpComponentCode(nil) should return nil")
	}
}
