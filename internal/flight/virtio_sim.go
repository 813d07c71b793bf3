package flight

import "github.com/tandemsat/fsw-core/internal/virtio"

// SimRegisterWindow is a host simulation of a virtio-mmio device's
// register file, standing in for real MMIO the same way MockDevice
// stands in for a real RMAP peripheral: there is no physical science
// downlink device in this runtime, but the driver sequence that would
// talk to one is still worth exercising end to end.
type SimRegisterWindow struct {
	regs    map[uint32]uint32
	notify  []uint32
}

// NewSimRegisterWindow constructs a SimRegisterWindow pre-seeded to
// answer InitDevice's bring-up sequence and advertise queueNumMax
// descriptors on every queue it's asked about.
func NewSimRegisterWindow(queueNumMax uint32) *SimRegisterWindow {
	return &SimRegisterWindow{
		regs: map[uint32]uint32{
			virtio.RegMagicValue:  virtio.MagicValue,
			virtio.RegVersion:     2,
			virtio.RegQueueNumMax: queueNumMax,
		},
	}
}

// ReadReg implements virtio.RegisterWindow.
func (w *SimRegisterWindow) ReadReg(offset uint32) uint32 {
	return w.regs[offset]
}

// WriteReg implements virtio.RegisterWindow, recording every
// QueueNotify kick for inspection.
func (w *SimRegisterWindow) WriteReg(offset uint32, value uint32) {
	if offset == virtio.RegQueueNotify {
		w.notify = append(w.notify, value)
		return
	}
	w.regs[offset] = value
}

// Notifications returns every queue index kicked via QueueNotify since
// construction, oldest first.
func (w *SimRegisterWindow) Notifications() []uint32 {
	return append([]uint32(nil), w.notify...)
}

// Status returns the device's current status register, for tests and
// diagnostics.
func (w *SimRegisterWindow) Status() uint32 {
	return w.regs[virtio.RegStatus]
}
