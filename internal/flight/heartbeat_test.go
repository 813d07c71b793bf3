package flight

import (
	"testing"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/sched"
)

type fakeClock struct{ nanos int64 }

func (c *fakeClock) NowNanos() int64 { return c.nanos }

type alwaysCalibrated struct{}

func (alwaysCalibrated) IsCalibrated() bool { return true }

type neverCalibrated struct{}

func (neverCalibrated) IsCalibrated() bool { return false }

func newAspectDuct() *duct.Duct {
	return duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: WatchdogAspectMessageSize, Polarity: duct.SenderFirst})
}

func TestHeartbeatWithholdsBeaconUntilCalibrated(t *testing.T) {
	out := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 16, Polarity: duct.SenderFirst})
	aspect := newAspectDuct()
	clk := &fakeClock{}
	hb := NewHeartbeat(out, 0, clk, neverCalibrated{}, aspect)
	clip := &sched.Clip{Label: "heartbeat"}
	entry := hb.BindEntry(clip)
	sched.New(sched.Config{Schedule: []*sched.Clip{clip}, Clock: clk})

	if err := entry(0); err != nil {
		t.Fatalf("entry: %v", err)
	}

	if err := out.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("ReceivePrepare: %v", err)
	}
	buf := make([]byte, 16)
	n, _, err := out.ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no heartbeat while uncalibrated, got n=%d", n)
	}

	if err := aspect.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("aspect ReceivePrepare: %v", err)
	}
	abuf := make([]byte, WatchdogAspectMessageSize)
	an, _, err := aspect.ReceiveMessage(0, abuf)
	if err != nil {
		t.Fatalf("aspect ReceiveMessage: %v", err)
	}
	if an != 0 {
		t.Fatalf("expected no aspect vote while uncalibrated, got n=%d", an)
	}
}

func TestHeartbeatSendsOncePeriodElapses(t *testing.T) {
	out := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 16, Polarity: duct.SenderFirst})
	aspect := newAspectDuct()
	clk := &fakeClock{}
	hb := NewHeartbeat(out, 0, clk, alwaysCalibrated{}, aspect)
	clip := &sched.Clip{Label: "heartbeat"}
	entry := hb.BindEntry(clip)
	sched.New(sched.Config{Schedule: []*sched.Clip{clip}, Clock: clk})

	if err := entry(0); err != nil {
		t.Fatalf("entry: %v", err)
	}

	if err := out.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("ReceivePrepare: %v", err)
	}
	buf := make([]byte, 16)
	n, _, err := out.ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if n != 1 || buf[0] != TagHeartbeat {
		t.Fatalf("expected a heartbeat on first entry after calibration, got n=%d tag=%d", n, buf[0])
	}

	if err := aspect.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("aspect ReceivePrepare: %v", err)
	}
	abuf := make([]byte, WatchdogAspectMessageSize)
	an, _, err := aspect.ReceiveMessage(0, abuf)
	if err != nil {
		t.Fatalf("aspect ReceiveMessage: %v", err)
	}
	if an != 1 || abuf[0] != 1 {
		t.Fatalf("expected an alive vote alongside the heartbeat, got n=%d byte=%d", an, abuf[0])
	}
}
