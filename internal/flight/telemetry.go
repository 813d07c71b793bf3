// Package flight implements the application clips that ride on top of
// the IPC/protocol substrate: heartbeat, pingback, command decoding and
// routing, clock calibration, and a magnetometer sensor clip. Each clip
// follows the same shape as the original firmware's *_clip functions:
// prepare a telemetry transaction, do the clip's work, commit.
package flight

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
)

// Telemetry point tags, matching the tlm_* call sites in the reference
// flight code (heartbeat.c, pingback.c, command.c, clock.c).
const (
	TagHeartbeat         byte = 1
	TagPong              byte = 2
	TagClockCalibrated   byte = 3
	TagCmdReceived       byte = 4
	TagCmdCompleted      byte = 5
	TagCmdNotRecognized  byte = 6
	TagMagnetometerReading byte = 7
)

// TelemetryEncoder builds and sends telemetry packets for one replica
// over an outbound duct within a single cycle's send transaction.
type TelemetryEncoder struct {
	out     *duct.Duct
	replica int
	cycle   uint32
	ts      int64
	prepared bool
}

// NewTelemetryEncoder wires an encoder to the duct a clip publishes
// telemetry on.
func NewTelemetryEncoder(out *duct.Duct, replica int) *TelemetryEncoder {
	return &TelemetryEncoder{out: out, replica: replica}
}

// Prepare opens this cycle's send transaction. ts is the wall-clock
// timestamp attached to every packet encoded before Commit.
func (e *TelemetryEncoder) Prepare(cycle uint32, ts int64) error {
	if err := e.out.SendPrepare(cycle, e.replica); err != nil {
		return err
	}
	e.cycle, e.ts, e.prepared = cycle, ts, true
	return nil
}

// Commit closes this cycle's send transaction.
func (e *TelemetryEncoder) Commit() error {
	e.prepared = false
	return e.out.SendCommit(e.replica)
}

func (e *TelemetryEncoder) send(tag byte, payload []byte) error {
	if !e.prepared {
		return fmt.Errorf("telemetry: send before Prepare")
	}
	if !e.out.SendAllowed(e.replica) {
		return nil // flow denied this cycle; telemetry is best-effort
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = tag
	copy(buf[1:], payload)
	return e.out.SendMessage(e.replica, buf, e.ts)
}

// Heartbeat encodes a bare heartbeat beacon.
func (e *TelemetryEncoder) Heartbeat() error {
	return e.send(TagHeartbeat, nil)
}

// Pong encodes a ping-reply carrying the echoed ping id.
func (e *TelemetryEncoder) Pong(pingID uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, pingID)
	return e.send(TagPong, payload)
}

// ClockCalibrated encodes the computed local/reference clock offset.
func (e *TelemetryEncoder) ClockCalibrated(offsetNs int64) error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(offsetNs))
	return e.send(TagClockCalibrated, payload)
}

// CmdReceived encodes acknowledgement of a decoded command, before it
// is known whether any endpoint recognizes it.
func (e *TelemetryEncoder) CmdReceived(cmdTimestamp int64, cmdID uint16) error {
	payload := make([]byte, 10)
	binary.BigEndian.PutUint64(payload[0:8], uint64(cmdTimestamp))
	binary.BigEndian.PutUint16(payload[8:10], cmdID)
	return e.send(TagCmdReceived, payload)
}

// CmdCompleted encodes a terminal OK/FAIL result for a command that an
// endpoint recognized and executed.
func (e *TelemetryEncoder) CmdCompleted(cmdTimestamp int64, cmdID uint16, ok bool) error {
	payload := make([]byte, 11)
	binary.BigEndian.PutUint64(payload[0:8], uint64(cmdTimestamp))
	binary.BigEndian.PutUint16(payload[8:10], cmdID)
	if ok {
		payload[10] = 1
	}
	return e.send(TagCmdCompleted, payload)
}

// CmdNotRecognized encodes rejection of a command no endpoint claimed.
func (e *TelemetryEncoder) CmdNotRecognized(cmdTimestamp int64, cmdID uint16, dataLen int) error {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint64(payload[0:8], uint64(cmdTimestamp))
	binary.BigEndian.PutUint16(payload[8:10], cmdID)
	binary.BigEndian.PutUint16(payload[10:12], uint16(dataLen))
	return e.send(TagCmdNotRecognized, payload)
}

// MagnetometerReading encodes a sampled field vector.
func (e *TelemetryEncoder) MagnetometerReading(x, y, z int32) error {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(x))
	binary.BigEndian.PutUint32(payload[4:8], uint32(y))
	binary.BigEndian.PutUint32(payload[8:12], uint32(z))
	return e.send(TagMagnetometerReading, payload)
}
