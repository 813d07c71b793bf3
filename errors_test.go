package fsw

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("scheduler.yield", CodeMalfunction, "clip overran its slot")

	if err.Op != "scheduler.yield" {
		t.Errorf("Op = %s, want scheduler.yield", err.Op)
	}
	if err.Code != CodeMalfunction {
		t.Errorf("Code = %s, want %s", err.Code, CodeMalfunction)
	}

	expected := "fsw: clip overran its slot (op=scheduler.yield)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestClipError(t *testing.T) {
	err := NewClipError("duct.send_message", "heartbeat", CodeFlowDenied, "max_flow exceeded")
	if err.Clip != "heartbeat" {
		t.Errorf("Clip = %s, want heartbeat", err.Clip)
	}
	expected := "fsw: max_flow exceeded (op=duct.send_message)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("boom")
	wrapped := WrapError("virtio.kick", inner)
	if wrapped.Code != CodeFatal {
		t.Errorf("Code = %s, want %s", wrapped.Code, CodeFatal)
	}
	if !errors.Is(wrapped, inner) {
		t.Errorf("expected wrapped error to unwrap to inner")
	}

	already := NewError("rmap.read", CodeRemote, "nonzero status")
	rewrapped := WrapError("flight.pingback", already)
	if rewrapped.Code != CodeRemote {
		t.Errorf("Code = %s, want %s (preserved from wrapped *Error)", rewrapped.Code, CodeRemote)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("watchdog.feed", CodeFatal, "force reset")
	if !IsCode(err, CodeFatal) {
		t.Error("expected IsCode to match CodeFatal")
	}
	if IsCode(err, CodeLink) {
		t.Error("expected IsCode to not match CodeLink")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("expected WrapError(nil) to return nil")
	}
}
