package flight

import (
	"encoding/binary"

	"github.com/tandemsat/fsw-core/internal/rmap"
)

// Magnetometer registers, a 3-axis field sample in milligauss.
const (
	magRegX = 0x00
	magRegY = 0x04
	magRegZ = 0x08
)

type magState int

const (
	magReadX magState = iota
	magReadY
	magReadZ
)

// Magnetometer periodically samples a 3-axis field sensor over RMAP,
// one axis per RMAP round trip (two cycles), and publishes the completed vector to telemetry
// once all three axes have been read. Grounded on clock_start_clip's
// RMAP epoch state machine, generalized to a repeating 3-state cycle
// instead of a one-shot transition into idle.
type Magnetometer struct {
	link      *RMAPLink
	telemetry *TelemetryEncoder
	replica   int

	state   magState
	x, y, z int32
}

// NewMagnetometer constructs a Magnetometer clip.
func NewMagnetometer(link *RMAPLink, telemetryOut *TelemetryEncoder, replica int) *Magnetometer {
	return &Magnetometer{link: link, telemetry: telemetryOut, replica: replica}
}

func (m *Magnetometer) regFor(s magState) uint32 {
	switch s {
	case magReadX:
		return magRegX
	case magReadY:
		return magRegY
	default:
		return magRegZ
	}
}

// Entry runs one RMAP epoch of the sampling state machine.
func (m *Magnetometer) Entry(tick uint32) error {
	handler := m.link.Handler

	buf := make([]byte, 4)
	if status, ok := handler.ReadComplete(buf); ok {
		if status == rmap.StatusOK {
			v := int32(binary.BigEndian.Uint32(buf))
			switch m.state {
			case magReadX:
				m.x = v
			case magReadY:
				m.y = v
			case magReadZ:
				m.z = v
			}
		}
		next := (m.state + 1) % 3
		if next == magReadX {
			if err := m.telemetry.Prepare(tick, 0); err != nil {
				return err
			}
			if err := m.telemetry.MagnetometerReading(m.x, m.y, m.z); err != nil {
				return err
			}
			if err := m.telemetry.Commit(); err != nil {
				return err
			}
		}
		m.state = next
	}

	var cmdBytes []byte
	if handler.Idle() {
		b, err := handler.ReadStart(0x00, m.regFor(m.state), 4)
		if err != nil {
			return err
		}
		cmdBytes = b
	}
	return m.link.Pump(tick, 0, cmdBytes)
}
