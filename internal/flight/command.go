package flight

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
)

// CommandMaxParamLength bounds a command's parameter payload, matching
// command.c's COMMAND_MAX_PARAM_LENGTH guard against oversized duct
// messages.
const CommandMaxParamLength = 64

// Command is one decoded uplink command: a target id distinguishing
// which endpoint clip should act on it, plus its parameter bytes.
type Command struct {
	Timestamp int64
	ID        uint16
	Data      []byte
}

// decodeCommand parses a wire command of the form [u16 id][payload...].
// A buffer shorter than the 2-byte id decodes to the zero Command and
// ok=false.
func decodeCommand(ts int64, buf []byte) (Command, bool) {
	if len(buf) < 2 {
		return Command{}, false
	}
	return Command{
		Timestamp: ts,
		ID:        binary.BigEndian.Uint16(buf[0:2]),
		Data:      append([]byte(nil), buf[2:]...),
	}, true
}

// Endpoint describes one command-routing destination: a command ID and
// the duct its matching commands are forwarded to.
type Endpoint struct {
	ID   uint16
	Duct *duct.Duct
}

// CommandRouter decodes at most one uplink command per cycle from its
// inbound duct and forwards it to the matching Endpoint's duct, the way
// command_execution_clip fans a single decoded packet out to every
// registered cmd_endpoint_t.
type CommandRouter struct {
	inbound   *duct.Duct
	replica   int
	endpoints []Endpoint
	telemetry *TelemetryEncoder
}

// NewCommandRouter wires a router to its uplink duct and the telemetry
// duct it reports reception/rejection on.
func NewCommandRouter(inbound *duct.Duct, replica int, telemetry *TelemetryEncoder, endpoints []Endpoint) *CommandRouter {
	return &CommandRouter{inbound: inbound, replica: replica, endpoints: endpoints, telemetry: telemetry}
}

// Service runs one cycle: decode, report reception, fan out to the
// matching endpoint (if any), and report non-recognition otherwise.
func (r *CommandRouter) Service(cycle uint32, ts int64) error {
	if err := r.inbound.ReceivePrepare(cycle, r.replica); err != nil {
		return fmt.Errorf("command: receive_prepare: %w", err)
	}
	msgSize := r.inbound.ConfigSnapshot().MessageSize
	buf := make([]byte, msgSize)
	n, msgTS, err := r.inbound.ReceiveMessage(r.replica, buf)
	if err != nil {
		r.inbound.ReceiveCommit(r.replica)
		return fmt.Errorf("command: receive_message: %w", err)
	}
	if err := r.inbound.ReceiveCommit(r.replica); err != nil {
		return fmt.Errorf("command: receive_commit: %w", err)
	}

	cmd, hasCommand := decodeCommand(msgTS, buf[:n])

	if err := r.telemetry.Prepare(cycle, ts); err != nil {
		return fmt.Errorf("command: telemetry prepare: %w", err)
	}
	defer r.telemetry.Commit()

	if hasCommand {
		if err := r.telemetry.CmdReceived(cmd.Timestamp, cmd.ID); err != nil {
			return err
		}
	}

	matched := false
	for _, ep := range r.endpoints {
		if err := ep.Duct.SendPrepare(cycle, r.replica); err != nil {
			return fmt.Errorf("command: endpoint send_prepare: %w", err)
		}
		if hasCommand && cmd.ID == ep.ID && len(cmd.Data) <= CommandMaxParamLength && ep.Duct.SendAllowed(r.replica) {
			payload := make([]byte, 8+len(cmd.Data))
			binary.BigEndian.PutUint64(payload[0:8], uint64(cmd.Timestamp))
			copy(payload[8:], cmd.Data)
			if err := ep.Duct.SendMessage(r.replica, payload, cmd.Timestamp); err != nil {
				return fmt.Errorf("command: endpoint send_message: %w", err)
			}
			matched = true
		}
		if err := ep.Duct.SendCommit(r.replica); err != nil {
			return fmt.Errorf("command: endpoint send_commit: %w", err)
		}
	}

	if hasCommand && !matched {
		if err := r.telemetry.CmdNotRecognized(cmd.Timestamp, cmd.ID, len(cmd.Data)); err != nil {
			return err
		}
	}
	return nil
}

// CommandEndpoint is the receiving half at an application clip: it
// drains its duct for a forwarded command and tracks whether a reply is
// owed, matching command_receive/command_reply.
type CommandEndpoint struct {
	in                  *duct.Duct
	replica             int
	lastTimestamp       int64
	lastData            []byte
	hasOutstandingReply bool
}

// NewCommandEndpoint wires an endpoint to the duct it receives routed
// commands on.
func NewCommandEndpoint(in *duct.Duct, replica int) *CommandEndpoint {
	return &CommandEndpoint{in: in, replica: replica}
}

// Receive drains this cycle's command, if any, returning its parameter
// bytes. A miscompare-worthy short message (header truncated) is
// discarded rather than surfaced, matching command_receive.
func (e *CommandEndpoint) Receive(cycle uint32) ([]byte, bool, error) {
	if err := e.in.ReceivePrepare(cycle, e.replica); err != nil {
		return nil, false, err
	}
	msgSize := e.in.ConfigSnapshot().MessageSize
	buf := make([]byte, msgSize)
	n, ts, err := e.in.ReceiveMessage(e.replica, buf)
	if err != nil {
		e.in.ReceiveCommit(e.replica)
		return nil, false, err
	}
	if err := e.in.ReceiveCommit(e.replica); err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if n < 8 {
		return nil, false, nil
	}
	e.lastTimestamp = ts
	e.lastData = append([]byte(nil), buf[8:n]...)
	e.hasOutstandingReply = true
	return e.lastData, true, nil
}

// CommandStatus is the terminal disposition of a received command.
type CommandStatus int

const (
	CommandOK CommandStatus = iota
	CommandFail
	CommandUnrecognized
)

// Reply reports completion of the most recently received command onto
// telem, mirroring command_reply's assertion that a reply is owed.
func (e *CommandEndpoint) Reply(telem *TelemetryEncoder, cmdID uint16, status CommandStatus) error {
	if !e.hasOutstandingReply {
		return fmt.Errorf("command: reply with no outstanding command")
	}
	e.hasOutstandingReply = false
	switch status {
	case CommandUnrecognized:
		return telem.CmdNotRecognized(e.lastTimestamp, cmdID, len(e.lastData))
	case CommandOK:
		return telem.CmdCompleted(e.lastTimestamp, cmdID, true)
	case CommandFail:
		return telem.CmdCompleted(e.lastTimestamp, cmdID, false)
	default:
		return fmt.Errorf("command: invalid status %d", status)
	}
}
