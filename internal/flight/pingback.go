package flight

import (
	"encoding/binary"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/hwtimer"
)

// PingbackCommandID is the command ID this clip's endpoint is routed
// from the command switch, matching pingback.c's PING_CID in the
// reference firmware's command table.
const PingbackCommandID uint16 = 0x0001

// Pingback replies to an uplinked ping with a pong telemetry point
// carrying the echoed id, grounded on pingback_clip.
type Pingback struct {
	endpoint  *CommandEndpoint
	telemetry *TelemetryEncoder
	clock     hwtimer.Clock
}

// NewPingback wires a Pingback clip to its routed command duct and
// telemetry duct.
func NewPingback(cmdIn *duct.Duct, telemetryOut *duct.Duct, replica int, clock hwtimer.Clock) *Pingback {
	return &Pingback{
		endpoint:  NewCommandEndpoint(cmdIn, replica),
		telemetry: NewTelemetryEncoder(telemetryOut, replica),
		clock:     clock,
	}
}

// Entry runs one cycle of the pingback clip.
func (p *Pingback) Entry(tick uint32) error {
	if err := p.telemetry.Prepare(tick, p.clock.NowNanos()); err != nil {
		return err
	}
	defer p.telemetry.Commit()

	data, ok, err := p.endpoint.Receive(tick)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if len(data) == 4 {
		pingID := binary.BigEndian.Uint32(data)
		if err := p.telemetry.Pong(pingID); err != nil {
			return err
		}
		return p.endpoint.Reply(p.telemetry, PingbackCommandID, CommandOK)
	}
	return p.endpoint.Reply(p.telemetry, PingbackCommandID, CommandUnrecognized)
}
