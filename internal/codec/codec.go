// Package codec implements the HDLC-style byte framing and the
// handshake/flow-control/keep-alive link-exchange state machine
// described in spec.md §4.8. Framing mirrors the field-by-field,
// binary.LittleEndian marshaling style this codebase uses elsewhere for
// wire structures; there is deliberately no reflection or generic
// struct tag machinery here, matching the manual marshal/unmarshal
// pairs used for other wire formats in this runtime.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Control symbols. Four carry a 32-bit parameter; four are bare.
type Symbol byte

const (
	SymStartPacket Symbol = 0x01
	SymEndPacket   Symbol = 0x02
	SymErrorPacket Symbol = 0x03
	SymEscape      Symbol = 0x04
	SymHandshake1  Symbol = 0x05
	SymHandshake2  Symbol = 0x06
	SymFlowControl Symbol = 0x07
	SymKeepAlive   Symbol = 0x08
)

func (s Symbol) hasParam() bool {
	switch s {
	case SymHandshake1, SymHandshake2, SymFlowControl, SymKeepAlive:
		return true
	default:
		return false
	}
}

func isSpecial(b byte) bool {
	switch Symbol(b) {
	case SymStartPacket, SymEndPacket, SymErrorPacket, SymEscape,
		SymHandshake1, SymHandshake2, SymFlowControl, SymKeepAlive:
		return true
	default:
		return false
	}
}

const escapeXor = 0x10

// Frame is one decoded unit off the wire: either a bare control symbol,
// a parameterized control symbol, or a data byte passed through from
// within a START_PACKET/END_PACKET envelope.
type Frame struct {
	Symbol  Symbol
	Param   uint32
	IsData  bool
	Data    byte
}

// Encoder serializes control symbols and data bytes into an escaped
// byte stream suitable for a raw byte-oriented link.
type Encoder struct {
	out []byte
}

// NewEncoder returns an Encoder with an empty output buffer.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns (and does not clear) the accumulated output.
func (e *Encoder) Bytes() []byte { return e.out }

// Reset clears the accumulated output for reuse.
func (e *Encoder) Reset() { e.out = e.out[:0] }

// PutSymbol emits a bare control symbol.
func (e *Encoder) PutSymbol(sym Symbol) {
	e.out = append(e.out, byte(sym))
}

// PutSymbolParam emits a parameterized control symbol followed by its
// 32-bit little-endian parameter, each byte escaped if special.
func (e *Encoder) PutSymbolParam(sym Symbol, param uint32) {
	e.out = append(e.out, byte(sym))
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], param)
	for _, b := range p {
		e.putEscaped(b)
	}
}

// PutData emits one data byte, escaped if it falls in the special
// range.
func (e *Encoder) PutData(b byte) {
	e.putEscaped(b)
}

func (e *Encoder) putEscaped(b byte) {
	if isSpecial(b) {
		e.out = append(e.out, byte(SymEscape), b^escapeXor)
		return
	}
	e.out = append(e.out, b)
}

// Decoder reassembles control symbols and data bytes from a byte
// stream, mirroring the {in_escape, current_ctrl, param_bytes_so_far,
// accumulated_param} state machine from spec.md §4.8.
type Decoder struct {
	inEscape   bool
	inParam    bool
	ctrl       Symbol
	paramBytes int
	accum      uint32
}

// Feed processes one incoming byte and returns the Frame it completes,
// if any. Most bytes complete no frame (ok==false) because they are
// mid-escape or mid-parameter.
func (d *Decoder) Feed(b byte) (Frame, bool, error) {
	if d.inEscape {
		d.inEscape = false
		b ^= escapeXor
		if d.inParam {
			return d.feedLiteral(b)
		}
		return Frame{IsData: true, Data: b}, true, nil
	}
	if Symbol(b) == SymEscape {
		d.inEscape = true
		return Frame{}, false, nil
	}
	return d.feedLiteral(b)
}

func (d *Decoder) feedLiteral(b byte) (Frame, bool, error) {
	if d.inParam {
		shift := uint(d.paramBytes) * 8
		d.accum |= uint32(b) << shift
		d.paramBytes++
		if d.paramBytes < 4 {
			return Frame{}, false, nil
		}
		d.inParam = false
		return Frame{Symbol: d.ctrl, Param: d.accum}, true, nil
	}

	sym := Symbol(b)
	if !isSpecial(b) {
		return Frame{IsData: true, Data: b}, true, nil
	}
	if sym.hasParam() {
		d.ctrl = sym
		d.inParam = true
		d.paramBytes = 0
		d.accum = 0
		return Frame{}, false, nil
	}
	return Frame{Symbol: sym}, true, nil
}

// LinkState is the synchronization state of the link-exchange state
// machine.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkHandshaking
	LinkUp
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkHandshaking:
		return "handshaking"
	case LinkUp:
		return "up"
	default:
		return "unknown"
	}
}

// LinkConfig configures a LinkExchange state machine.
type LinkConfig struct {
	KeepAliveEveryCycles int
	KeepAliveTimeoutMissed int // consecutive missed keep-alives before resync
}

// LinkExchange implements the two-step handshake, framed data exchange,
// flow-control credit accounting, and keep-alive supervision on top of
// an Encoder/Decoder pair.
type LinkExchange struct {
	cfg   LinkConfig
	state LinkState

	localHandshakeID  uint32
	remoteHandshakeID uint32

	sendCredits int
	missedKeepAlives int
	cyclesSinceKeepAlive int
}

// NewLinkExchange constructs a LinkExchange in the down state.
func NewLinkExchange(cfg LinkConfig) *LinkExchange {
	return &LinkExchange{cfg: cfg, state: LinkDown}
}

// State returns the current synchronization state.
func (l *LinkExchange) State() LinkState { return l.state }

// BeginHandshake moves the state machine into HANDSHAKING and returns
// the HANDSHAKE_1 symbol/parameter to transmit.
func (l *LinkExchange) BeginHandshake(handshakeID uint32) (Symbol, uint32) {
	l.state = LinkHandshaking
	l.localHandshakeID = handshakeID
	return SymHandshake1, handshakeID
}

// HandleFrame advances the state machine given one decoded frame from
// the peer. It returns an optional reply to transmit.
func (l *LinkExchange) HandleFrame(f Frame) (reply *Frame, err error) {
	switch {
	case f.Symbol == SymHandshake1:
		l.remoteHandshakeID = f.Param
		r := Frame{Symbol: SymHandshake2, Param: f.Param}
		l.state = LinkUp
		return &r, nil
	case f.Symbol == SymHandshake2:
		if f.Param != l.localHandshakeID {
			l.resync()
			return nil, fmt.Errorf("codec: handshake id mismatch, got %d want %d", f.Param, l.localHandshakeID)
		}
		l.state = LinkUp
		return nil, nil
	case f.Symbol == SymFlowControl:
		l.sendCredits = int(f.Param)
		return nil, nil
	case f.Symbol == SymKeepAlive:
		l.missedKeepAlives = 0
		l.cyclesSinceKeepAlive = 0
		return nil, nil
	case f.Symbol == SymErrorPacket:
		l.resync()
		return nil, fmt.Errorf("codec: peer signaled ERROR_PACKET")
	default:
		if l.state != LinkUp {
			l.resync()
			return nil, fmt.Errorf("codec: unexpected frame while not synchronized")
		}
		return nil, nil
	}
}

// SendCredits returns how many more packets may currently be sent.
func (l *LinkExchange) SendCredits() int { return l.sendCredits }

// ConsumeCredit decrements the send-credit count by one after
// transmitting a packet.
func (l *LinkExchange) ConsumeCredit() {
	if l.sendCredits > 0 {
		l.sendCredits--
	}
}

// Tick advances the keep-alive supervision by one cycle; it returns
// true if a KEEP_ALIVE should be emitted this cycle, and resyncs the
// link if too many have been missed.
func (l *LinkExchange) Tick() (emitKeepAlive bool) {
	if l.state != LinkUp {
		return false
	}
	l.cyclesSinceKeepAlive++
	if l.cyclesSinceKeepAlive >= l.cfg.KeepAliveEveryCycles {
		l.missedKeepAlives++
		l.cyclesSinceKeepAlive = 0
		if l.missedKeepAlives > l.cfg.KeepAliveTimeoutMissed {
			l.resync()
		}
		return true
	}
	return false
}

func (l *LinkExchange) resync() {
	l.state = LinkDown
	l.sendCredits = 0
	l.missedKeepAlives = 0
	l.cyclesSinceKeepAlive = 0
}
