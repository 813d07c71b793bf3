package fsw

import (
	"fmt"
	"sync"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/rmap"
)

// MockDevice is a ground/peripheral-side RMAP responder for testing
// Kernel's clock and magnetometer wiring without real hardware: it owns
// a flat register file, decodes whatever command arrives on its inbound
// duct, and replies on its outbound duct. Call-counting pattern carried
// over from this codebase's other mock devices, adapted from a
// block-device-in-memory double into an RMAP peripheral double.
type MockDevice struct {
	mu        sync.Mutex
	registers map[uint32][]byte

	readCalls  int
	writeCalls int

	pending   rmap.Packet
	hasPending bool
}

// NewMockDevice constructs an empty register file; reads of an
// unregistered address return zero-filled bytes of the requested
// length.
func NewMockDevice() *MockDevice {
	return &MockDevice{registers: make(map[uint32][]byte)}
}

// SetRegister seeds the value a later read of addr will return.
func (m *MockDevice) SetRegister(addr uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers[addr] = append([]byte(nil), data...)
}

// Register returns the current bytes at addr, for assertions against
// writes the device under test performed.
func (m *MockDevice) Register(addr uint32) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.registers[addr]...)
}

// Service runs one cycle of the device side of an RMAPLink exchange:
// it first sends the reply for whatever command it decoded on the
// previous call (if any), then receives and decodes this cycle's
// command for delivery next call. This one-cycle stagger mirrors the
// flight-side RMAPLink, which likewise reads a reply only on the Pump
// call after the one that transmitted the request.
func (m *MockDevice) Service(cmd, reply *duct.Duct, cycle uint32, replica int) error {
	if err := reply.SendPrepare(cycle, replica); err != nil {
		return fmt.Errorf("mockdevice: send_prepare: %w", err)
	}
	if m.hasPending && reply.SendAllowed(replica) {
		if err := reply.SendMessage(replica, rmap.EncodeReply(m.pending), 0); err != nil {
			return fmt.Errorf("mockdevice: send_message: %w", err)
		}
		m.hasPending = false
	}
	if err := reply.SendCommit(replica); err != nil {
		return fmt.Errorf("mockdevice: send_commit: %w", err)
	}

	if err := cmd.ReceivePrepare(cycle, replica); err != nil {
		return fmt.Errorf("mockdevice: receive_prepare: %w", err)
	}
	buf := make([]byte, cmd.ConfigSnapshot().MessageSize)
	n, _, err := cmd.ReceiveMessage(replica, buf)
	if err != nil {
		cmd.ReceiveCommit(replica)
		return fmt.Errorf("mockdevice: receive_message: %w", err)
	}
	if err := cmd.ReceiveCommit(replica); err != nil {
		return fmt.Errorf("mockdevice: receive_commit: %w", err)
	}
	if n == 0 {
		return nil
	}

	req, err := rmap.Decode(buf[:n])
	if err != nil {
		return fmt.Errorf("mockdevice: decode command: %w", err)
	}

	resp := rmap.Packet{TxnID: req.TxnID, Status: rmap.StatusOK}
	m.mu.Lock()
	if req.Flags&rmap.FlagWrite != 0 {
		m.writeCalls++
		m.registers[req.MainAddr] = append([]byte(nil), req.Data...)
	} else {
		m.readCalls++
		data, ok := m.registers[req.MainAddr]
		if !ok {
			data = make([]byte, req.Length)
		}
		resp.Data = data
	}
	m.mu.Unlock()

	m.pending, m.hasPending = resp, true
	return nil
}

// CallCounts reports how many read and write transactions this device
// has serviced, for test assertions.
func (m *MockDevice) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls}
}

// Reset clears call counters without touching register contents.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
}
