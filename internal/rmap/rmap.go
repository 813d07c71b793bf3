// Package rmap implements the request/response transaction layer
// described in spec.md §4.9: RMAP-style read/write/verify/ack/increment
// operations over a bus.Switch, spanning two scheduling epochs (the
// request is transmitted on one cycle, the reply observed on a later
// one). Each handler has exactly one in-flight transaction, the same
// single-in-flight-command discipline this codebase uses elsewhere for
// serialized request/response exchanges.
package rmap

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/logging"
)

// Flags, following the canonical SpaceWire RMAP packet format.
type Flags uint8

const (
	FlagAcknowledge Flags = 1 << 0
	FlagVerify      Flags = 1 << 1
	FlagIncrement   Flags = 1 << 2
	FlagWrite       Flags = 1 << 3
	FlagCommand     Flags = 1 << 4
	FlagSourcePath  Flags = 1 << 5
)

// Status is the result of a completed transaction.
type Status uint8

const (
	StatusOK Status = 0
	// remote status codes 1..255 pass through verbatim from the target.
	StatusNoResponse       Status = 0xFE
	StatusReadLengthDiffer Status = 0xFD
)

// crc8Table is the canonical SpaceWire RMAP CRC-8 table, polynomial
// x^8 + x^2 + x + 1 (0x07), reflected.
var crc8Table = buildCRC8Table()

func buildCRC8Table() [256]byte {
	var table [256]byte
	const poly = 0xE0 // reflected form of 0x07
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC8 computes the RMAP CRC-8 checksum over data.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// Packet is one RMAP wire packet, command or reply.
type Packet struct {
	Flags    Flags
	TxnID    uint16
	ExtAddr  byte
	MainAddr uint32
	Length   uint32
	Data     []byte
	Status   Status
}

// Encode serializes a command packet to bytes, appending a trailing
// CRC-8 byte.
func Encode(p Packet) []byte {
	buf := make([]byte, 0, 12+len(p.Data))
	buf = append(buf, byte(p.Flags))
	var txn [2]byte
	binary.BigEndian.PutUint16(txn[:], p.TxnID)
	buf = append(buf, txn[:]...)
	buf = append(buf, p.ExtAddr)
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], p.MainAddr)
	buf = append(buf, addr[:]...)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], p.Length)
	buf = append(buf, length[:]...)
	buf = append(buf, p.Data...)
	buf = append(buf, CRC8(buf))
	return buf
}

// Decode parses a command packet, verifying its trailing CRC-8.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 12 {
		return Packet{}, fmt.Errorf("rmap: packet too short: %d bytes", len(buf))
	}
	body, crc := buf[:len(buf)-1], buf[len(buf)-1]
	if CRC8(body) != crc {
		return Packet{}, fmt.Errorf("rmap: CRC-8 mismatch")
	}
	p := Packet{
		Flags:    Flags(body[0]),
		TxnID:    binary.BigEndian.Uint16(body[1:3]),
		ExtAddr:  body[3],
		MainAddr: binary.BigEndian.Uint32(body[4:8]),
		Length:   binary.BigEndian.Uint32(body[8:12]),
	}
	p.Data = append([]byte(nil), body[12:]...)
	return p, nil
}

// EncodeReply serializes a reply packet in the shorter reply framing
// (no destination address, no command flags -- just the echoed
// transaction id, the remote status, and any read data), appending a
// trailing CRC-8.
func EncodeReply(p Packet) []byte {
	buf := make([]byte, 0, 3+len(p.Data))
	var txn [2]byte
	binary.BigEndian.PutUint16(txn[:], p.TxnID)
	buf = append(buf, txn[:]...)
	buf = append(buf, byte(p.Status))
	buf = append(buf, p.Data...)
	buf = append(buf, CRC8(buf))
	return buf
}

// DecodeReply parses a reply packet encoded by EncodeReply, verifying
// its trailing CRC-8.
func DecodeReply(buf []byte) (Packet, error) {
	if len(buf) < 3 {
		return Packet{}, fmt.Errorf("rmap: reply too short: %d bytes", len(buf))
	}
	body, crc := buf[:len(buf)-1], buf[len(buf)-1]
	if CRC8(body) != crc {
		return Packet{}, fmt.Errorf("rmap: CRC-8 mismatch")
	}
	p := Packet{
		TxnID:  binary.BigEndian.Uint16(body[0:2]),
		Status: Status(body[2]),
	}
	p.Data = append([]byte(nil), body[3:]...)
	return p, nil
}

// TxnAllocator hands out monotonically increasing 16-bit transaction
// IDs for a sender.
type TxnAllocator struct {
	next uint16
}

// Next returns the next transaction ID, wrapping at 16 bits.
func (a *TxnAllocator) Next() uint16 {
	id := a.next
	a.next++
	return id
}

// transactionState tracks the lifecycle of the one in-flight
// transaction a Handler may have open at a time.
type transactionState int

const (
	txnIdle transactionState = iota
	txnAwaitingReply
	txnComplete
)

// Handler is the single-in-flight-transaction RMAP client used by
// application clips (radio, magnetometer, clock) to perform remote
// reads and writes over a bus.Switch.
type Handler struct {
	log   *logging.Logger
	txns  TxnAllocator
	state transactionState

	pendingTxnID uint16
	epochsWaited int
	maxEpochs    int

	status    Status
	replyData []byte
	ackTS     int64
}

// NewHandler constructs a Handler that times out an in-flight
// transaction after maxEpochs scheduling cycles without a reply.
func NewHandler(maxEpochs int, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{state: txnIdle, maxEpochs: maxEpochs, log: log.WithClip("rmap")}
}

// WriteStart issues a write command and returns the bytes to transmit
// on the switch. Only one transaction may be in flight; calling this
// while one is pending returns an error.
func (h *Handler) WriteStart(extAddr byte, mainAddr uint32, buf []byte) ([]byte, error) {
	if h.state == txnAwaitingReply {
		return nil, fmt.Errorf("rmap: transaction already in flight")
	}
	txnID := h.txns.Next()
	h.pendingTxnID = txnID
	h.epochsWaited = 0
	h.state = txnAwaitingReply
	p := Packet{
		Flags:    FlagCommand | FlagWrite | FlagAcknowledge,
		TxnID:    txnID,
		ExtAddr:  extAddr,
		MainAddr: mainAddr,
		Length:   uint32(len(buf)),
		Data:     buf,
	}
	return Encode(p), nil
}

// ReadStart issues a read command for length bytes.
func (h *Handler) ReadStart(extAddr byte, mainAddr uint32, length uint32) ([]byte, error) {
	if h.state == txnAwaitingReply {
		return nil, fmt.Errorf("rmap: transaction already in flight")
	}
	txnID := h.txns.Next()
	h.pendingTxnID = txnID
	h.epochsWaited = 0
	h.state = txnAwaitingReply
	p := Packet{
		Flags:    FlagCommand | FlagAcknowledge,
		TxnID:    txnID,
		ExtAddr:  extAddr,
		MainAddr: mainAddr,
		Length:   length,
	}
	return Encode(p), nil
}

// HandleReply feeds a decoded reply packet to the handler. Unexpected
// transaction IDs are discarded with a warning, matching spec.md §4.9.
func (h *Handler) HandleReply(p Packet, ts int64) {
	if h.state != txnAwaitingReply {
		h.log.Warnf("rmap: reply for txn %d with no transaction in flight", p.TxnID)
		return
	}
	if p.TxnID != h.pendingTxnID {
		h.log.Warnf("rmap: unexpected reply txn %d, want %d", p.TxnID, h.pendingTxnID)
		return
	}
	h.status = Status(p.Status)
	h.replyData = p.Data
	h.ackTS = ts
	h.state = txnComplete
}

// Tick advances the epoch-timeout clock for an in-flight transaction;
// it transitions to a completed NO_RESPONSE state if maxEpochs have
// passed without a reply.
func (h *Handler) Tick() {
	if h.state != txnAwaitingReply {
		return
	}
	h.epochsWaited++
	if h.epochsWaited >= h.maxEpochs {
		h.status = StatusNoResponse
		h.state = txnComplete
	}
}

// WriteComplete returns the status and ack timestamp of a completed
// write transaction, resetting the handler to idle. ok is false if the
// transaction is still in flight.
func (h *Handler) WriteComplete() (status Status, ackTS int64, ok bool) {
	if h.state != txnComplete {
		return 0, 0, false
	}
	status, ackTS = h.status, h.ackTS
	h.state = txnIdle
	return status, ackTS, true
}

// ReadComplete copies the reply data into buf and returns the status,
// resetting the handler to idle. If the reply length differs from
// capacity, StatusReadLengthDiffer is returned instead of the wire
// status.
func (h *Handler) ReadComplete(buf []byte) (status Status, ok bool) {
	if h.state != txnComplete {
		return 0, false
	}
	status = h.status
	if status == StatusOK && len(h.replyData) != len(buf) {
		status = StatusReadLengthDiffer
	} else {
		copy(buf, h.replyData)
	}
	h.state = txnIdle
	return status, true
}

// Idle reports whether the handler has no transaction in flight or
// awaiting consumption.
func (h *Handler) Idle() bool { return h.state == txnIdle }
