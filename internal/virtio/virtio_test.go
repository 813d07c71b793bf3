package virtio

import (
	"testing"

	"github.com/tandemsat/fsw-core/internal/duct"
)

type fakeRegs struct {
	regs   map[uint32]uint32
	notify []uint32
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{regs: map[uint32]uint32{
		RegMagicValue:     MagicValue,
		RegVersion:        2,
		RegDeviceFeatures: 0,
		RegQueueNumMax:    64,
	}}
}

func (f *fakeRegs) ReadReg(offset uint32) uint32 {
	if offset == RegStatus {
		return f.regs[RegStatus]
	}
	return f.regs[offset]
}

func (f *fakeRegs) WriteReg(offset uint32, value uint32) {
	if offset == RegStatus && value&StatusFeaturesOK != 0 {
		f.regs[RegStatus] = value // device accepts feature negotiation
		return
	}
	if offset == RegQueueNotify {
		f.notify = append(f.notify, value)
	}
	f.regs[offset] = value
}

func TestInitDeviceSequence(t *testing.T) {
	r := newFakeRegs()
	err := InitDevice(r, func(devFeatures uint64) uint64 { return devFeatures })
	if err != nil {
		t.Fatalf("InitDevice: %v", err)
	}
	if r.regs[RegStatus]&StatusDriverOK == 0 {
		t.Fatal("expected DRIVER_OK bit set after InitDevice")
	}
}

func TestInitDeviceRejectsBadMagic(t *testing.T) {
	r := newFakeRegs()
	r.regs[RegMagicValue] = 0
	if err := InitDevice(r, func(uint64) uint64 { return 0 }); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestSetupQueueRejectsOversizedQueue(t *testing.T) {
	r := newFakeRegs()
	if err := SetupQueue(r, 0, 128, 0, 0, 0); err == nil {
		t.Fatal("expected error for queue size exceeding max")
	}
}

func TestOutputQueuePrepareCommitAdvancesAndKicks(t *testing.T) {
	r := newFakeRegs()
	src := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 2, MessageSize: 8, Polarity: duct.SenderFirst})
	ringBase := make([]byte, 4*descriptorSize)
	oq := NewOutputQueue(r, 0, src, 0, ringBase, 4, nil)

	src.SendPrepare(0, 0)
	src.SendMessage(0, []byte("abc"), 0)
	src.SendCommit(0)

	if err := oq.Prepare(0); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	advanced, dropped := oq.Commit()
	if advanced != 1 || dropped != 0 {
		t.Fatalf("advanced=%d dropped=%d, want 1/0", advanced, dropped)
	}
	if len(r.notify) != 1 {
		t.Fatalf("expected device to be kicked once, got %d notifications", len(r.notify))
	}
}

func TestOutputQueueDropsOnScrubMismatch(t *testing.T) {
	r := newFakeRegs()
	src := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: 8, Polarity: duct.SenderFirst})
	ringBase := make([]byte, descriptorSize)
	oq := NewOutputQueue(r, 0, src, 0, ringBase, 1, nil)

	src.SendPrepare(0, 0)
	src.SendMessage(0, []byte("xyz"), 0)
	src.SendCommit(0)

	if err := oq.Prepare(0); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Simulate an upset corrupting the ring between Prepare and Commit.
	ringBase[0] ^= 0xFF

	advanced, dropped := oq.Commit()
	if advanced != 0 || dropped != 1 {
		t.Fatalf("advanced=%d dropped=%d, want 0/1", advanced, dropped)
	}
}

func TestOutputQueueSuppressedKicksDoNotNotify(t *testing.T) {
	r := newFakeRegs()
	src := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: 8, Polarity: duct.SenderFirst})
	ringBase := make([]byte, descriptorSize)
	oq := NewOutputQueue(r, 0, src, 0, ringBase, 1, nil)
	oq.SuppressKicks(true)

	src.SendPrepare(0, 0)
	src.SendMessage(0, []byte("m"), 0)
	src.SendCommit(0)
	oq.Prepare(0)
	oq.Commit()

	if len(r.notify) != 0 {
		t.Fatalf("expected no notify with kicks suppressed, got %d", len(r.notify))
	}
}

func TestInputQueueDeliversIntoDuct(t *testing.T) {
	dst := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: 8, Polarity: duct.SenderFirst})
	iq := NewInputQueue(dst, 0)
	if err := iq.Deliver(0, []byte("data")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	dst.ReceivePrepare(0, 0)
	buf := make([]byte, 8)
	n, _, _ := dst.ReceiveMessage(0, buf)
	if string(buf[:n]) != "data" {
		t.Fatalf("got %q, want data", buf[:n])
	}
}
