package flight

import (
	"encoding/binary"
	"testing"

	"github.com/tandemsat/fsw-core/internal/duct"
)

func sendCommand(t *testing.T, inbound *duct.Duct, cycle uint32, replica int, id uint16, data []byte) {
	t.Helper()
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf[0:2], id)
	copy(buf[2:], data)
	if err := inbound.SendPrepare(cycle, replica); err != nil {
		t.Fatalf("SendPrepare: %v", err)
	}
	if err := inbound.SendMessage(replica, buf, int64(cycle)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := inbound.SendCommit(replica); err != nil {
		t.Fatalf("SendCommit: %v", err)
	}
}

func TestCommandRouterForwardsMatchingEndpoint(t *testing.T) {
	inbound := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: CommandMaxParamLength + 8, Polarity: duct.SenderFirst})
	downlink := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 32, Polarity: duct.SenderFirst})
	epDuct := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: CommandMaxParamLength + 8, Polarity: duct.SenderFirst})

	telem := NewTelemetryEncoder(downlink, 0)
	router := NewCommandRouter(inbound, 0, telem, []Endpoint{{ID: 7, Duct: epDuct}})

	sendCommand(t, inbound, 0, 0, 7, []byte{1, 2, 3})

	if err := router.Service(0, 1000); err != nil {
		t.Fatalf("Service: %v", err)
	}

	endpoint := NewCommandEndpoint(epDuct, 0)
	data, ok, err := endpoint.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !ok {
		t.Fatal("expected the matching endpoint to receive the forwarded command")
	}
	if string(data) != "\x01\x02\x03" {
		t.Fatalf("data = %v, want [1 2 3]", data)
	}
}

func TestCommandRouterReportsUnrecognized(t *testing.T) {
	inbound := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: CommandMaxParamLength + 8, Polarity: duct.SenderFirst})
	downlink := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 32, Polarity: duct.SenderFirst})
	telem := NewTelemetryEncoder(downlink, 0)
	router := NewCommandRouter(inbound, 0, telem, nil)

	sendCommand(t, inbound, 0, 0, 99, nil)
	if err := router.Service(0, 0); err != nil {
		t.Fatalf("Service: %v", err)
	}

	if err := downlink.ReceivePrepare(0, 0); err != nil {
		t.Fatalf("ReceivePrepare: %v", err)
	}
	buf := make([]byte, 32)
	n, _, err := downlink.ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a CmdReceived telemetry point")
	}
	if buf[0] != TagCmdReceived {
		t.Fatalf("first telemetry tag = %d, want CmdReceived(%d)", buf[0], TagCmdReceived)
	}
	n2, _, err := downlink.ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage 2: %v", err)
	}
	if n2 == 0 || buf[0] != TagCmdNotRecognized {
		t.Fatalf("second telemetry tag = %d (n=%d), want CmdNotRecognized(%d)", buf[0], n2, TagCmdNotRecognized)
	}
}

func TestCommandEndpointReplyWithoutReceiveErrors(t *testing.T) {
	epDuct := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 1, MessageSize: CommandMaxParamLength + 8, Polarity: duct.SenderFirst})
	downlink := duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: 4, MessageSize: 32, Polarity: duct.SenderFirst})
	endpoint := NewCommandEndpoint(epDuct, 0)
	telem := NewTelemetryEncoder(downlink, 0)
	if err := telem.Prepare(0, 0); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer telem.Commit()
	if err := endpoint.Reply(telem, 1, CommandOK); err == nil {
		t.Fatal("expected error replying with no outstanding command")
	}
}
