package flight

import (
	"testing"

	"github.com/tandemsat/fsw-core/internal/duct"
)

func TestTelemetryEncoderSendBeforePrepareErrors(t *testing.T) {
	out := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 16, Polarity: duct.SenderFirst})
	e := NewTelemetryEncoder(out, 0)
	if err := e.Heartbeat(); err == nil {
		t.Fatal("expected error sending before Prepare")
	}
}

func TestTelemetryEncoderHeartbeatRoundTrip(t *testing.T) {
	out := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 16, Polarity: duct.SenderFirst})
	e := NewTelemetryEncoder(out, 0)

	if err := e.Prepare(0, 42); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := e.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := e.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := out.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("ReceivePrepare: %v", err)
	}
	buf := make([]byte, 16)
	n, ts, err := out.ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if n != 1 || buf[0] != TagHeartbeat {
		t.Fatalf("got n=%d tag=%d, want n=1 tag=%d", n, buf[0], TagHeartbeat)
	}
	if ts != 42 {
		t.Fatalf("ts = %d, want 42", ts)
	}
}

func TestTelemetryEncoderFlowDeniedIsSilent(t *testing.T) {
	out := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 0, MessageSize: 16, Polarity: duct.SenderFirst})
	e := NewTelemetryEncoder(out, 0)
	if err := e.Prepare(0, 0); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := e.Heartbeat(); err != nil {
		t.Fatalf("expected flow-denied send to be silently dropped, got %v", err)
	}
}
