package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHaltError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)
	expectedWithCause := "[1001] Startup: invalid config file (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestHaltError_Unwrap(t *testing.T) {
	cause := errors.New("VBoxManage not found")
	err := New(ErrCodeAPIUnavailable, "Connect", "management API unavailable", cause)

	if !errors.Is(err, cause) {
		t.Errorf("Expected errors.Is to find cause %v", cause)
	}

	errNoCause := New(ErrCodeReentrancy, "ShutdownMachine", "recursion detected", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeUnknown},
		{"plain", errors.New("boom"), ErrCodeUnknown},
		{"direct", New(ErrCodeSessionLock, "Lock", "busy", nil), ErrCodeSessionLock},
		{"wrapped", fmt.Errorf("stop vm1: %w", New(ErrCodeTimeout, "Save", "took too long", nil)), ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	err := New(ErrCodeReentrancy, "SaveMachine", "recursion detected", nil)
	if !HasCode(err, ErrCodeReentrancy) {
		t.Error("Expected HasCode to match reentrancy code")
	}
	if HasCode(err, ErrCodeTimeout) {
		t.Error("Expected HasCode not to match timeout code")
	}
	if HasCode(nil, ErrCodeUnknown) {
		t.Error("Expected HasCode(nil) to be false")
	}
}
