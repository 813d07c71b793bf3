// Package pipe implements the bidirectional, flow-controlled stream
// built from two ducts described in spec.md §4.5: a data duct carrying
// payload and a pressure duct carrying the receiver's "allow_flow" back
// to the sender. Buffered sender/receiver adapters let application code
// read and write arbitrary byte quantities without aligning to the
// underlying duct's message boundaries.
package pipe

import (
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
)

// Config configures the pair of ducts backing a Pipe.
type Config struct {
	NSenders    int
	NReceivers  int
	MaxFlow     int
	MessageSize int
}

// Pipe is one unidirectional byte stream with backpressure.
type Pipe struct {
	data     *duct.Duct
	pressure *duct.Duct
	cfg      Config
}

// New constructs a Pipe. The data duct uses SenderFirst polarity (the
// sender replica's message is visible to receivers the same cycle it is
// committed); the pressure duct uses ReceiverFirst, since a receiver's
// flow decision for cycle N must be visible to the sender choosing
// whether to transmit in cycle N (computed from cycle N-1's read).
func New(cfg Config) *Pipe {
	return &Pipe{
		cfg: cfg,
		data: duct.New(duct.Config{
			NSenders: cfg.NSenders, NReceivers: cfg.NReceivers,
			MaxFlow: cfg.MaxFlow, MessageSize: cfg.MessageSize,
			Polarity: duct.SenderFirst,
		}),
		pressure: duct.New(duct.Config{
			NSenders: cfg.NReceivers, NReceivers: cfg.NSenders,
			MaxFlow: 1, MessageSize: 1,
			Polarity: duct.ReceiverFirst,
		}),
	}
}

// ReceiveIndicate tells the pipe, on behalf of receiver replica, whether
// it wants to accept data next cycle. It must be called once per cycle
// before SendDesired is consulted by the sending side.
func (p *Pipe) ReceiveIndicate(cycle uint32, replica int, want bool) error {
	if err := p.pressure.SendPrepare(cycle, replica); err != nil {
		return err
	}
	if want {
		if err := p.pressure.SendMessage(replica, []byte{1}, 0); err != nil {
			return err
		}
	}
	return p.pressure.SendCommit(replica)
}

// SendDesired reports whether the receiving side asked for data, as
// reflected back through the pressure duct. Senders must call
// SendData only when this returns true.
func (p *Pipe) SendDesired(cycle uint32, replica int) (bool, error) {
	if err := p.pressure.ReceivePrepare(cycle, replica); err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	n, _, err := p.pressure.ReceiveMessage(replica, buf)
	if err != nil {
		return false, err
	}
	if err := p.pressure.ReceiveCommit(replica); err != nil {
		return false, err
	}
	return n > 0 && buf[0] == 1, nil
}

// SendPrepare begins cycle's sends on the data duct for sender replica.
func (p *Pipe) SendPrepare(cycle uint32, replica int) error {
	return p.data.SendPrepare(cycle, replica)
}

// SendData transmits one message on the data duct.
func (p *Pipe) SendData(replica int, buf []byte) error {
	return p.data.SendMessage(replica, buf, 0)
}

// SendCommit finalizes this cycle's data sends for sender replica.
func (p *Pipe) SendCommit(replica int) error {
	return p.data.SendCommit(replica)
}

// ReceivePrepare begins a cycle's reads on the data duct for receiver
// replica.
func (p *Pipe) ReceivePrepare(cycle uint32, replica int) error {
	return p.data.ReceivePrepare(cycle, replica)
}

// ReceiveData reads the next pending data message for receiver replica.
func (p *Pipe) ReceiveData(replica int, buf []byte) (int, error) {
	n, _, err := p.data.ReceiveMessage(replica, buf)
	return n, err
}

// ReceiveCommit finalizes this cycle's data reads for receiver replica.
func (p *Pipe) ReceiveCommit(replica int) error {
	return p.data.ReceiveCommit(replica)
}

// Sender is a buffered adapter over a Pipe's sending side: application
// code calls Write with arbitrary-sized slices and the adapter slices
// them into data-duct-sized messages across as many cycles as needed.
type Sender struct {
	p       *Pipe
	replica int
	scratch []byte
}

// NewSender constructs a buffered sender bound to sender replica id.
func NewSender(p *Pipe, replica int) *Sender {
	return &Sender{p: p, replica: replica}
}

// Write appends buf to the pending scratch to be drained by Pump.
func (s *Sender) Write(buf []byte) {
	s.scratch = append(s.scratch, buf...)
}

// Pending reports how many bytes remain unflushed.
func (s *Sender) Pending() int { return len(s.scratch) }

// Pump runs one cycle's worth of the pipe protocol for this sender: it
// checks whether the receiver wants data, and if so, transmits up to
// one message-size chunk of scratch.
func (s *Sender) Pump(cycle uint32) error {
	desired, err := s.p.SendDesired(cycle, s.replica)
	if err != nil {
		return fmt.Errorf("pipe: sender %d: %w", s.replica, err)
	}
	if err := s.p.SendPrepare(cycle, s.replica); err != nil {
		return err
	}
	if desired && len(s.scratch) > 0 {
		n := s.p.cfg.MessageSize
		if n > len(s.scratch) {
			n = len(s.scratch)
		}
		if err := s.p.SendData(s.replica, s.scratch[:n]); err != nil {
			return err
		}
		s.scratch = s.scratch[n:]
	}
	return s.p.SendCommit(s.replica)
}

// Receiver is a buffered adapter over a Pipe's receiving side.
type Receiver struct {
	p         *Pipe
	replica   int
	scratch   []byte
	highWater int
}

// NewReceiver constructs a buffered receiver bound to receiver replica
// id. highWater bounds how much unread data the receiver will
// accumulate before it stops indicating readiness to receive more.
func NewReceiver(p *Pipe, replica int, highWater int) *Receiver {
	return &Receiver{p: p, replica: replica, highWater: highWater}
}

// Pump runs one cycle's worth of the pipe protocol for this receiver:
// it indicates whether there is room for more data, then drains any
// pending data-duct message into scratch.
func (r *Receiver) Pump(cycle uint32) error {
	want := len(r.scratch) < r.highWater
	if err := r.p.ReceiveIndicate(cycle, r.replica, want); err != nil {
		return fmt.Errorf("pipe: receiver %d: %w", r.replica, err)
	}
	if err := r.p.ReceivePrepare(cycle, r.replica); err != nil {
		return err
	}
	buf := make([]byte, r.p.cfg.MessageSize)
	n, err := r.p.ReceiveData(r.replica, buf)
	if err != nil {
		return err
	}
	if n > 0 {
		r.scratch = append(r.scratch, buf[:n]...)
	}
	return r.p.ReceiveCommit(r.replica)
}

// Read drains up to len(buf) bytes of accumulated data, returning the
// number of bytes copied.
func (r *Receiver) Read(buf []byte) int {
	n := copy(buf, r.scratch)
	r.scratch = r.scratch[n:]
	return n
}

// Available reports how many bytes are currently buffered and unread.
func (r *Receiver) Available() int { return len(r.scratch) }
