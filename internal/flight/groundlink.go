package flight

import (
	"sync/atomic"

	"github.com/tandemsat/fsw-core/internal/codec"
	"github.com/tandemsat/fsw-core/internal/hostio"
	"github.com/tandemsat/fsw-core/internal/pipe"
	"github.com/tandemsat/fsw-core/internal/ringbuf"
)

// GroundLink downlinks every lane's watchdog decision -- the same food
// word and fed flag a hardware watchdog consumes locally -- to a
// simulated ground receiver every cycle. Every replica pushes its own
// decision into a TMR-voted pipe.Pipe; only the designated receiving
// replica drains the voted stream, frames it with the HDLC-style codec,
// and writes the framed bytes across a simulated SpaceWire link to a
// background ground-station goroutine, the same real/simulated split
// hostio uses for its actual link backend.
type GroundLink struct {
	p           *pipe.Pipe
	senders     []*pipe.Sender
	receiver    *pipe.Receiver
	recvReplica int

	local  hostio.Link
	remote hostio.Link

	frames     atomic.Uint64
	bytes      atomic.Uint64
	linkErrors atomic.Uint64

	done chan struct{}
}

// NewGroundLink wires a GroundLink for n replicas, with recvReplica
// designated the sole downlink driver -- the ground-comm analog of
// virtio.OutputQueue's single-driving-replica convention. onLinkError,
// if set, is invoked once for each byte the ground station's decoder
// rejects with an error.
func NewGroundLink(n, recvReplica int, onLinkError func()) *GroundLink {
	p := pipe.New(pipe.Config{NSenders: n, NReceivers: 1, MaxFlow: 1, MessageSize: decisionSize})
	senders := make([]*pipe.Sender, n)
	for i := range senders {
		senders[i] = pipe.NewSender(p, i)
	}
	local, remote := hostio.NewPipePair()

	g := &GroundLink{
		p:           p,
		senders:     senders,
		receiver:    pipe.NewReceiver(p, 0, decisionSize*4),
		recvReplica: recvReplica,
		local:       local,
		remote:      remote,
		done:        make(chan struct{}),
	}
	go g.runGroundStation(onLinkError)
	return g
}

// RecvReplica returns the lane replica responsible for draining the
// voted decision stream and driving the downlink.
func (g *GroundLink) RecvReplica() int { return g.recvReplica }

// PumpSender pushes replica's just-computed watchdog decision into the
// downlink pipe for this cycle. Every replica's own lane schedule calls
// this, after that lane's watchdog clip has decided food/fed.
func (g *GroundLink) PumpSender(cycle uint32, replica int, food uint32, fed bool) error {
	g.senders[replica].Write(encodeDecision(food, fed))
	return g.senders[replica].Pump(cycle)
}

// PumpReceiver drains this cycle's cross-replica-voted decision, if
// any, and frames it onto the simulated ground link. Only the lane
// identified by RecvReplica should call this.
func (g *GroundLink) PumpReceiver(cycle uint32) error {
	if err := g.receiver.Pump(cycle); err != nil {
		return err
	}
	buf := make([]byte, decisionSize)
	for g.receiver.Available() >= decisionSize {
		if n := g.receiver.Read(buf); n != decisionSize {
			break
		}
		if err := g.downlinkFrame(buf); err != nil {
			g.linkErrors.Add(1)
			return err
		}
	}
	return nil
}

func (g *GroundLink) downlinkFrame(payload []byte) error {
	enc := codec.NewEncoder()
	enc.PutSymbol(codec.SymStartPacket)
	for _, b := range payload {
		enc.PutData(b)
	}
	enc.PutSymbol(codec.SymEndPacket)
	if _, err := g.local.Write(enc.Bytes()); err != nil {
		return err
	}
	g.frames.Add(1)
	g.bytes.Add(uint64(len(payload)))
	return nil
}

// runGroundStation simulates the ground receiver: it reads raw bytes
// off the other end of the simulated link, stages them through a byte
// ring the way an interrupt-driven UART receiver would, and feeds them
// to a Decoder one byte at a time. A well-formed decision frame is just
// counted -- there is no real mission control behind this link, only
// its framing discipline is being exercised.
func (g *GroundLink) runGroundStation(onLinkError func()) {
	defer close(g.done)
	dec := &codec.Decoder{}
	stage := ringbuf.NewByte(256)
	chunk := make([]byte, 64)
	one := make([]byte, 1)
	for {
		n, err := g.remote.Read(chunk)
		if n > 0 {
			stage.Write(chunk[:n])
			for stage.Len() > 0 {
				stage.Read(one)
				if _, _, ferr := dec.Feed(one[0]); ferr != nil && onLinkError != nil {
					onLinkError()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Close shuts down the simulated ground link and waits for the ground
// station goroutine to exit.
func (g *GroundLink) Close() error {
	err := g.local.Close()
	g.remote.Close()
	<-g.done
	return err
}

// FramesSent returns the number of decision frames downlinked.
func (g *GroundLink) FramesSent() uint64 { return g.frames.Load() }

// BytesSent returns the number of decision payload bytes downlinked.
func (g *GroundLink) BytesSent() uint64 { return g.bytes.Load() }
