package bus

import (
	"testing"

	"github.com/tandemsat/fsw-core/internal/duct"
)

func newPortDuct(maxFlow, msgSize int) *duct.Duct {
	return duct.New(duct.Config{NSenders: 1, NReceivers: 1, MaxFlow: maxFlow, MessageSize: msgSize, Polarity: duct.SenderFirst})
}

func TestSwitchDirectPortForwarding(t *testing.T) {
	inbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 2: newPortDuct(2, 8)}
	outbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 2: newPortDuct(2, 8)}
	sw := New(Config{Ports: []int{1, 2}, Routes: map[int]Route{}}, inbound, outbound)

	// Message on port 1's inbound, destined directly for port 2.
	inbound[1].SendPrepare(0, 0)
	inbound[1].SendMessage(0, []byte{2, 'h', 'i'}, 0)
	inbound[1].SendCommit(0)

	if err := sw.Service(0, 0); err != nil {
		t.Fatalf("Service: %v", err)
	}

	outbound[2].ReceivePrepare(0, 0)
	buf := make([]byte, 8)
	n, _, err := outbound[2].ReceiveMessage(0, buf)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want hi", buf[:n])
	}
}

func TestSwitchRoutedAddressPopsHeader(t *testing.T) {
	inbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 5: newPortDuct(2, 8)}
	outbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 5: newPortDuct(2, 8)}
	sw := New(Config{
		Ports:  []int{1, 5},
		Routes: map[int]Route{40: {Enabled: true, PopHeader: true, Port: 5}},
	}, inbound, outbound)

	inbound[1].SendPrepare(0, 0)
	inbound[1].SendMessage(0, []byte{40, 'x', 'y'}, 0)
	inbound[1].SendCommit(0)

	if err := sw.Service(0, 0); err != nil {
		t.Fatalf("Service: %v", err)
	}

	outbound[5].ReceivePrepare(0, 0)
	buf := make([]byte, 8)
	n, _, _ := outbound[5].ReceiveMessage(0, buf)
	if string(buf[:n]) != "xy" {
		t.Fatalf("got %q, want xy (header popped)", buf[:n])
	}
}

func TestSwitchDropsDisabledRoute(t *testing.T) {
	inbound := map[int]*duct.Duct{1: newPortDuct(2, 8)}
	outbound := map[int]*duct.Duct{1: newPortDuct(2, 8)}
	sw := New(Config{
		Ports:  []int{1},
		Routes: map[int]Route{50: {Enabled: false, Port: 1}},
	}, inbound, outbound)

	inbound[1].SendPrepare(0, 0)
	inbound[1].SendMessage(0, []byte{50, 'z'}, 0)
	inbound[1].SendCommit(0)

	if err := sw.Service(0, 0); err != nil {
		t.Fatalf("Service should not fail on a dropped message: %v", err)
	}
}

func TestSwitchDropsOversizedForDestinationPort(t *testing.T) {
	inbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 2: newPortDuct(2, 8)}
	outbound := map[int]*duct.Duct{1: newPortDuct(2, 8), 2: newPortDuct(2, 1)}
	sw := New(Config{Ports: []int{1, 2}, Routes: map[int]Route{}}, inbound, outbound)

	inbound[1].SendPrepare(0, 0)
	inbound[1].SendMessage(0, []byte{2, 'a', 'b', 'c'}, 0)
	inbound[1].SendCommit(0)

	if err := sw.Service(0, 0); err != nil {
		t.Fatalf("Service should log and continue on oversized forward: %v", err)
	}

	outbound[2].ReceivePrepare(0, 0)
	buf := make([]byte, 8)
	n, _, _ := outbound[2].ReceiveMessage(0, buf)
	if n != 0 {
		t.Fatalf("expected oversized message to be dropped, got %d bytes", n)
	}
}
