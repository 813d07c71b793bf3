// Package virtio implements the MMIO-based virtio queue driver
// described in spec.md §4.12: device init over a register window,
// descriptor rings, and a prepare/commit split for OUTPUT queues that
// gives the scrubber a chance to correct single-event upsets in the
// ring before a transmission becomes externally visible. The
// descriptor ring and per-tag state tracking mirror this codebase's
// ublk queue runner, which drives an analogous kernel-facing descriptor
// array with per-tag state and a fetch/commit command pair.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/logging"
)

// MMIO register offsets, per the standard virtio 1.x MMIO layout
// (spec.md §6: base 0x0A000000 + 0x200 × region_id).
const (
	RegMagicValue      = 0x000
	RegVersion         = 0x004
	RegDeviceID        = 0x008
	RegDeviceFeatures  = 0x010
	RegDriverFeatures  = 0x020
	RegQueueSel        = 0x030
	RegQueueNumMax     = 0x034
	RegQueueNum        = 0x038
	RegQueueReady      = 0x044
	RegQueueNotify     = 0x050
	RegInterruptStatus = 0x060
	RegInterruptACK    = 0x064
	RegStatus          = 0x070
	RegQueueDescLow    = 0x080
	RegQueueDescHigh   = 0x084
	RegQueueDriverLow  = 0x090
	RegQueueDriverHigh = 0x094
	RegQueueDeviceLow  = 0x0A0
	RegQueueDeviceHigh = 0x0A4

	MagicValue = 0x74726976 // "virt"
)

// Status register bits.
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusFailed      uint32 = 1 << 7
)

// RegisterWindow is the MMIO read/write collaborator named in spec.md
// §1; this package only sequences the register protocol.
type RegisterWindow interface {
	ReadReg(offset uint32) uint32
	WriteReg(offset uint32, value uint32)
}

// NegotiateFunc lets the caller accept or mask device feature bits.
type NegotiateFunc func(deviceFeatures uint64) (driverFeatures uint64)

// InitDevice runs the standard virtio-mmio device bring-up sequence:
// verify magic/version, reset, acknowledge, negotiate features, and
// transition to DRIVER_OK.
func InitDevice(r RegisterWindow, negotiate NegotiateFunc) error {
	if r.ReadReg(RegMagicValue) != MagicValue {
		return fmt.Errorf("virtio: bad magic value")
	}
	if r.ReadReg(RegVersion) != 2 {
		return fmt.Errorf("virtio: unsupported version")
	}
	r.WriteReg(RegStatus, 0) // reset
	r.WriteReg(RegStatus, StatusAcknowledge)
	r.WriteReg(RegStatus, StatusAcknowledge|StatusDriver)

	devFeaturesLow := uint64(r.ReadReg(RegDeviceFeatures))
	driverFeatures := negotiate(devFeaturesLow)
	r.WriteReg(RegDriverFeatures, uint32(driverFeatures))

	r.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if r.ReadReg(RegStatus)&StatusFeaturesOK == 0 {
		r.WriteReg(RegStatus, StatusFailed)
		return fmt.Errorf("virtio: device rejected feature negotiation")
	}
	r.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	return nil
}

// SetupQueue writes the descriptor/driver/device ring addresses and
// queue size for queueIdx and raises QueueReady.
func SetupQueue(r RegisterWindow, queueIdx uint32, size uint32, descAddr, driverAddr, deviceAddr uint64) error {
	r.WriteReg(RegQueueSel, queueIdx)
	max := r.ReadReg(RegQueueNumMax)
	if max == 0 {
		return fmt.Errorf("virtio: queue %d not available", queueIdx)
	}
	if size > max {
		return fmt.Errorf("virtio: queue %d size %d exceeds max %d", queueIdx, size, max)
	}
	r.WriteReg(RegQueueNum, size)
	r.WriteReg(RegQueueDescLow, uint32(descAddr))
	r.WriteReg(RegQueueDescHigh, uint32(descAddr>>32))
	r.WriteReg(RegQueueDriverLow, uint32(driverAddr))
	r.WriteReg(RegQueueDriverHigh, uint32(driverAddr>>32))
	r.WriteReg(RegQueueDeviceLow, uint32(deviceAddr))
	r.WriteReg(RegQueueDeviceHigh, uint32(deviceAddr>>32))
	r.WriteReg(RegQueueReady, 1)
	return nil
}

// Descriptor mirrors the virtio ring descriptor layout: address,
// length, flags, next.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descriptorSize = 16

// EncodeDescriptor writes d in the wire layout used by the device.
func EncodeDescriptor(buf []byte, d Descriptor) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
}

// DecodeDescriptor reads a descriptor in the wire layout.
func DecodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// tagState mirrors the queue runner's in-flight-fetch/owned/in-flight-
// commit state machine, adapted here to the prepare/commit split of an
// OUTPUT queue slot.
type tagState int

const (
	tagIdle tagState = iota
	tagPrepared
	tagCommitted
)

type outputSlot struct {
	state tagState
	msg   []byte
	desc  Descriptor
}

// OutputQueue bridges a duct's receive side to a transmit descriptor
// ring, split into prepare and commit stages so the scrubber may
// correct the descriptor/buffer memory between them.
type OutputQueue struct {
	ring      RegisterWindow
	queueIdx  uint32
	src       *duct.Duct
	replica   int
	ringBase  []byte // backing store for the descriptor ring, scrubbable
	avail     uint16
	slots     []outputSlot
	log       *logging.Logger
	kickSuppressed bool
}

// NewOutputQueue constructs an OutputQueue of depth slots backed by a
// descriptor ring occupying ringBase (depth*descriptorSize bytes).
func NewOutputQueue(ring RegisterWindow, queueIdx uint32, src *duct.Duct, replica int, ringBase []byte, depth int, log *logging.Logger) *OutputQueue {
	if log == nil {
		log = logging.Default()
	}
	return &OutputQueue{
		ring: ring, queueIdx: queueIdx, src: src, replica: replica,
		ringBase: ringBase, slots: make([]outputSlot, depth),
		log: log.WithClip("virtio.output"),
	}
}

// Prepare reads pending duct messages and writes their descriptors and
// transmit buffers into the ring, without advancing the avail index or
// kicking the device.
func (q *OutputQueue) Prepare(cycle uint32) error {
	if err := q.src.ReceivePrepare(cycle, q.replica); err != nil {
		return err
	}
	msgSize := q.src.ConfigSnapshot().MessageSize
	for i := range q.slots {
		if q.slots[i].state != tagIdle {
			continue
		}
		buf := make([]byte, msgSize)
		n, _, err := q.src.ReceiveMessage(q.replica, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		msg := append([]byte(nil), buf[:n]...)
		desc := Descriptor{Addr: uint64(i * msgSize), Len: uint32(n)}
		off := i * descriptorSize
		EncodeDescriptor(q.ringBase[off:off+descriptorSize], desc)
		q.slots[i] = outputSlot{state: tagPrepared, msg: msg, desc: desc}
	}
	return q.src.ReceiveCommit(q.replica)
}

// Commit re-reads the now-possibly-scrubbed descriptor/buffer state,
// compares it against what Prepare wrote, advances the avail index for
// slots that still match, and kicks the device unless kicks are
// suppressed. Slots whose descriptor no longer matches what Prepare
// computed are dropped rather than transmitted, since that mismatch
// means the scrubber rewrote corrupted ring state that Prepare's
// snapshot predates.
func (q *OutputQueue) Commit() (advanced int, dropped int) {
	for i := range q.slots {
		if q.slots[i].state != tagPrepared {
			continue
		}
		off := i * descriptorSize
		onRing := DecodeDescriptor(q.ringBase[off : off+descriptorSize])
		if onRing != q.slots[i].desc {
			q.log.Warnf("virtio: output slot %d descriptor mismatch after scrub window, dropping", i)
			dropped++
			q.slots[i] = outputSlot{}
			continue
		}
		q.avail++
		advanced++
		q.slots[i] = outputSlot{}
	}
	if advanced > 0 && !q.kickSuppressed {
		q.ring.WriteReg(RegQueueNotify, q.queueIdx)
	}
	return advanced, dropped
}

// SuppressKicks disables or re-enables device notification on commit,
// for testing or for link conditions where notification storms must be
// avoided.
func (q *OutputQueue) SuppressKicks(suppress bool) {
	q.kickSuppressed = suppress
}

// InputQueue bridges an incoming descriptor ring to a duct's send side:
// the driver acts as a duct sender, injecting received device buffers
// as duct messages.
type InputQueue struct {
	dst     *duct.Duct
	replica int
}

// NewInputQueue constructs an InputQueue delivering into dst as sender
// replica.
func NewInputQueue(dst *duct.Duct, replica int) *InputQueue {
	return &InputQueue{dst: dst, replica: replica}
}

// Deliver pushes one received buffer into the duct for this cycle.
func (q *InputQueue) Deliver(cycle uint32, buf []byte) error {
	if err := q.dst.SendPrepare(cycle, q.replica); err != nil {
		return err
	}
	if q.dst.SendAllowed(q.replica) {
		if err := q.dst.SendMessage(q.replica, buf, 0); err != nil {
			return err
		}
	}
	return q.dst.SendCommit(q.replica)
}
