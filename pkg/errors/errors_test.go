package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeConfig, "bad config"),
			want: "code: 1001, message: bad config",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("eof"), CodeTransient, "read"),
			want: "code: 2001, message: read, cause: eof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, CodeInternal, "wrapped")

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if New(CodeConfig, "no cause").Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestError_IsByCode(t *testing.T) {
	err := fmt.Errorf("set node: %w", ErrNoNode.WithCause(errors.New("zk: node does not exist")))

	if !errors.Is(err, ErrNoNode) {
		t.Error("errors.Is should match by code through fmt wrapping")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
	}{
		{"nil", nil, false, false},
		{"transient", Transient(errors.New("timeout"), "ping"), true, false},
		{"not connected", ErrNotConnected, true, false},
		{"no node", ErrNoNode, true, false},
		{"wrapped transient", fmt.Errorf("report up: %w", Transient(errors.New("x"), "y")), true, false},
		{"protocol", Protocol(errors.New("bad version"), "set"), false, true},
		{"plain error", errors.New("boom"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	inner := New(CodeUnknownType, "unknown check type: foo")
	outer := Wrap(inner, CodeConfig, "build watcher")

	if !IsCode(outer, CodeConfig) {
		t.Error("IsCode should match outer code")
	}
	if !IsCode(outer, CodeUnknownType) {
		t.Error("IsCode should match code deeper in the chain")
	}
	if IsCode(outer, CodeProtocol) {
		t.Error("IsCode should not match absent code")
	}
	if IsCode(nil, CodeOK) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if GetCode(nil) != CodeOK {
		t.Error("GetCode(nil) should be CodeOK")
	}
	if GetCode(errors.New("x")) != CodeInternal {
		t.Error("GetCode of plain error should be CodeInternal")
	}
	if GetMessage(New(CodeProbe, "refused")) != "refused" {
		t.Error("GetMessage should return Message")
	}
	if GetMessageByCode(CodeExhausted) != "too many repeated report failures" {
		t.Error("GetMessageByCode mismatch")
	}
	if GetMessageByCode(-1) != "unknown error" {
		t.Error("GetMessageByCode should fall back")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
	e := New(CodeProtocol, "p")
	if FromError(fmt.Errorf("ctx: %w", e)) != e {
		t.Error("FromError should find *Error in chain")
	}
	if got := FromError(errors.New("plain")); got.Code != CodeInternal {
		t.Errorf("FromError code = %d, want %d", got.Code, CodeInternal)
	}
}
