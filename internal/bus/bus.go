// Package bus implements the logical-address switch/router described
// in spec.md §4.7: a fabric of inbound and outbound port ducts, with an
// 8-bit routing table covering addresses 32..255. Ports 1..31 are
// addressed directly by their port number in a message's first byte;
// addresses 32..255 go through the routing table.
package bus

import (
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/logging"
)

const (
	// MinDirectPort is the first directly addressable port number.
	MinDirectPort = 1
	// MaxDirectPort is the last directly addressable port number; bytes
	// above this go through the routing table.
	MaxDirectPort = 31
)

// Route is one routing-table entry, keyed by destination address
// 32..255.
type Route struct {
	Enabled   bool
	PopHeader bool
	Port      int
}

// Config configures a Switch.
type Config struct {
	Ports   []int // port numbers this switch instance services, in 1..31
	Routes  map[int]Route
	Log     *logging.Logger
}

// Switch routes messages between a fixed set of port ducts according to
// a destination-byte or routing-table lookup.
type Switch struct {
	cfg     Config
	inbound map[int]*duct.Duct
	outbound map[int]*duct.Duct
	log     *logging.Logger
}

// New constructs a Switch over the given inbound/outbound port ducts.
// Both maps must be keyed by the same port numbers as cfg.Ports.
func New(cfg Config, inbound, outbound map[int]*duct.Duct) *Switch {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Switch{cfg: cfg, inbound: inbound, outbound: outbound, log: log.WithClip("switch")}
}

// Service runs one epoch of switching for the given replica: prepares
// every inbound duct, then every outbound duct, drains every inbound
// message to its resolved outbound duct, and commits everything.
func (s *Switch) Service(cycle uint32, replica int) error {
	for _, port := range s.cfg.Ports {
		if err := s.inbound[port].ReceivePrepare(cycle, replica); err != nil {
			return fmt.Errorf("bus: inbound port %d receive_prepare: %w", port, err)
		}
	}
	for _, port := range s.cfg.Ports {
		if err := s.outbound[port].SendPrepare(cycle, replica); err != nil {
			return fmt.Errorf("bus: outbound port %d send_prepare: %w", port, err)
		}
	}

	for _, port := range s.cfg.Ports {
		in := s.inbound[port]
		buf := make([]byte, in.ConfigSnapshot().MessageSize)
		for {
			n, ts, err := in.ReceiveMessage(replica, buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if err := s.forward(replica, buf[:n], ts); err != nil {
				s.log.Warnf("forward from port %d dropped: %v", port, err)
			}
		}
	}

	for _, port := range s.cfg.Ports {
		if err := s.inbound[port].ReceiveCommit(replica); err != nil {
			return err
		}
		if err := s.outbound[port].SendCommit(replica); err != nil {
			return err
		}
	}
	return nil
}

func (s *Switch) forward(replica int, msg []byte, ts int64) error {
	if len(msg) == 0 {
		return fmt.Errorf("bus: empty message has no destination byte")
	}
	dest := int(msg[0])

	if dest >= MinDirectPort && dest <= MaxDirectPort {
		// Direct addressing: destination byte itself names the outbound
		// port, and is always popped from the forwarded payload.
		return s.sendTo(replica, dest, ts, msg[1:])
	}

	route, ok := s.cfg.Routes[dest]
	if !ok || !route.Enabled {
		return fmt.Errorf("bus: address %d not routed or disabled", dest)
	}
	body := msg
	if route.PopHeader {
		body = msg[1:]
	}
	return s.sendTo(replica, route.Port, ts, body)
}

func (s *Switch) sendTo(replica, port int, ts int64, body []byte) error {
	out, ok := s.outbound[port]
	if !ok {
		return fmt.Errorf("bus: no outbound duct for port %d", port)
	}
	if len(body) > out.ConfigSnapshot().MessageSize {
		return fmt.Errorf("bus: message of %d bytes exceeds port %d message_size", len(body), port)
	}
	if !out.SendAllowed(replica) {
		return fmt.Errorf("bus: port %d flow denied", port)
	}
	return out.SendMessage(replica, body, ts)
}
