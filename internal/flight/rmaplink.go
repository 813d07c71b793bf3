package flight

import (
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/rmap"
)

// RMAPLink carries one handler's request/reply traffic over a pair of
// ducts standing in for the RMAP device's physical bus connection: out
// for outgoing command packets, in for the device's reply packets.
// Pumping it is the transport half of the RMAP epoch described in
// spec.md §4.9; it is a thin wrapper so device clips (clock,
// magnetometer) only deal in register reads, not duct transactions.
type RMAPLink struct {
	Handler *rmap.Handler
	out     *duct.Duct
	in      *duct.Duct
	replica int
}

// NewRMAPLink wires a handler to its outbound command duct and inbound
// reply duct for one replica.
func NewRMAPLink(handler *rmap.Handler, out, in *duct.Duct, replica int) *RMAPLink {
	return &RMAPLink{Handler: handler, out: out, in: in, replica: replica}
}

// Pump transmits any command bytes issued since the last Pump (the
// caller is expected to have just called ReadStart/WriteStart on
// Handler) and delivers any reply that arrived this cycle into the
// handler, then ticks the epoch timeout. cmdBytes is nil if this cycle
// issued no new command.
func (l *RMAPLink) Pump(cycle uint32, ts int64, cmdBytes []byte) error {
	if err := l.out.SendPrepare(cycle, l.replica); err != nil {
		return fmt.Errorf("rmaplink: send_prepare: %w", err)
	}
	if cmdBytes != nil && l.out.SendAllowed(l.replica) {
		if err := l.out.SendMessage(l.replica, cmdBytes, ts); err != nil {
			return fmt.Errorf("rmaplink: send_message: %w", err)
		}
	}
	if err := l.out.SendCommit(l.replica); err != nil {
		return fmt.Errorf("rmaplink: send_commit: %w", err)
	}

	if err := l.in.ReceivePrepare(cycle, l.replica); err != nil {
		return fmt.Errorf("rmaplink: receive_prepare: %w", err)
	}
	buf := make([]byte, l.in.ConfigSnapshot().MessageSize)
	n, ts, err := l.in.ReceiveMessage(l.replica, buf)
	if err != nil {
		l.in.ReceiveCommit(l.replica)
		return fmt.Errorf("rmaplink: receive_message: %w", err)
	}
	if err := l.in.ReceiveCommit(l.replica); err != nil {
		return fmt.Errorf("rmaplink: receive_commit: %w", err)
	}
	if n > 0 {
		p, err := rmap.DecodeReply(buf[:n])
		if err != nil {
			return fmt.Errorf("rmaplink: decode reply: %w", err)
		}
		l.Handler.HandleReply(p, ts)
	}

	l.Handler.Tick()
	return nil
}
