// Package duct implements the triple-modular-redundant messaging
// primitive described in spec.md §4.4: an N-sender to M-receiver
// replicated, voting, cycle-scoped message channel. Every other IPC
// primitive in this runtime (pipe, notepad's vote, switch) is built on
// the voting and prepare/commit contract implemented here.
package duct

import (
	"fmt"
	"sync"
	"time"
)

// Polarity controls when a cycle's voted sender data becomes visible to
// receivers (spec.md §4.4).
type Polarity int

const (
	// SenderFirst: receivers in cycle N observe what senders sent in
	// cycle N (same-cycle visibility, relies on schedule order placing
	// the sending clip before the receiving clip within the cycle).
	SenderFirst Polarity = iota
	// ReceiverFirst: receivers in cycle N observe what senders sent in
	// cycle N-1. Used to break cyclic schedule dependencies.
	ReceiverFirst
)

// Message is one voted slot: a payload, its length, and an optional
// sender-supplied timestamp.
type Message struct {
	Bytes     []byte
	Len       int
	Timestamp int64
}

// MiscompareFunc is invoked once per cycle per slot that failed to reach
// a strict majority. Severity (log-and-continue vs restart) is a
// scheduler-level policy, not the duct's; the duct only reports.
type MiscompareFunc func(slot int)

// Config configures a Duct at construction. All fields are fixed for
// the lifetime of the duct; there is no dynamic resizing.
type Config struct {
	NSenders    int
	NReceivers  int
	MaxFlow     int
	MessageSize int
	Polarity    Polarity
	OnMiscompare MiscompareFunc
}

type replicaMsg struct {
	valid bool
	bytes []byte
	len   int
	ts    int64
}

// Duct is the TMR message channel. Zero value is not usable; construct
// with New.
type Duct struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	cycle   uint32 // highest cycle number observed by any Prepare call
	started bool   // whether any Prepare call has happened yet

	// per-sender-replica scratch for the cycle currently being built.
	scratch [][]replicaMsg
	counts  []int // messages sent so far this cycle, per sender replica

	senderPrepared []bool
	senderCommits  int

	current []Message // what receivers currently read
	staged  []Message // computed this cycle; promoted to current at next rollover (ReceiverFirst only)
	haveStaged bool

	receiverCursor   []int
	receiverPrepared []bool
}

// New constructs a Duct. NSenders, NReceivers, MaxFlow, and MessageSize
// must be >= 0; a MaxFlow of 0 is valid and simply never transports a
// message (spec.md §8 boundary case).
func New(cfg Config) *Duct {
	d := &Duct{
		cfg:              cfg,
		scratch:          make([][]replicaMsg, cfg.NSenders),
		counts:           make([]int, cfg.NSenders),
		senderPrepared:   make([]bool, cfg.NSenders),
		receiverCursor:   make([]int, cfg.NReceivers),
		receiverPrepared: make([]bool, cfg.NReceivers),
	}
	for i := range d.scratch {
		d.scratch[i] = make([]replicaMsg, cfg.MaxFlow)
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *Duct) rolloverLocked(newCycle uint32) {
	if d.started && newCycle <= d.cycle {
		return
	}
	if d.cfg.Polarity == ReceiverFirst && d.haveStaged {
		d.current = d.staged
		d.haveStaged = false
	}
	d.cycle = newCycle
	d.started = true
	for i := range d.scratch {
		for j := range d.scratch[i] {
			d.scratch[i][j] = replicaMsg{}
		}
		d.counts[i] = 0
		d.senderPrepared[i] = false
	}
	d.senderCommits = 0
	for i := range d.receiverCursor {
		d.receiverCursor[i] = 0
		d.receiverPrepared[i] = false
	}
	d.cond.Broadcast()
}

// SendPrepare begins cycle's worth of sends for sender replica id.
func (d *Duct) SendPrepare(cycle uint32, replica int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NSenders {
		return fmt.Errorf("duct: sender replica %d out of range [0,%d)", replica, d.cfg.NSenders)
	}
	d.rolloverLocked(cycle)
	d.senderPrepared[replica] = true
	return nil
}

// SendAllowed reports whether sender replica id may still send another
// message this cycle.
func (d *Duct) SendAllowed(replica int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NSenders {
		return false
	}
	return d.counts[replica] < d.cfg.MaxFlow
}

// SendMessage enqueues a message from sender replica id for the current
// cycle. len(bytes) must not exceed MessageSize, and at most MaxFlow
// calls per replica per cycle are accepted.
func (d *Duct) SendMessage(replica int, bytes []byte, ts int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NSenders {
		return fmt.Errorf("duct: sender replica %d out of range", replica)
	}
	if len(bytes) > d.cfg.MessageSize {
		return fmt.Errorf("duct: message length %d exceeds message_size %d", len(bytes), d.cfg.MessageSize)
	}
	if d.counts[replica] >= d.cfg.MaxFlow {
		return fmt.Errorf("duct: sender replica %d exceeded max_flow %d", replica, d.cfg.MaxFlow)
	}
	slot := d.counts[replica]
	buf := make([]byte, len(bytes))
	copy(buf, bytes)
	d.scratch[replica][slot] = replicaMsg{valid: true, bytes: buf, len: len(buf), ts: ts}
	d.counts[replica]++
	return nil
}

// SendCommit finalizes sender replica id's contribution for the cycle.
// The last replica to commit triggers the per-slot vote.
func (d *Duct) SendCommit(replica int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NSenders {
		return fmt.Errorf("duct: sender replica %d out of range", replica)
	}
	d.senderCommits++
	if d.senderCommits < d.cfg.NSenders {
		d.cond.Broadcast()
		return nil
	}
	voted, miscompares := vote(d.scratch, d.cfg.NSenders, d.cfg.MaxFlow)
	if d.cfg.Polarity == SenderFirst {
		d.current = voted
	} else {
		d.staged = voted
		d.haveStaged = true
	}
	d.cond.Broadcast()
	if d.cfg.OnMiscompare != nil {
		for slot, bad := range miscompares {
			if bad {
				d.cfg.OnMiscompare(slot)
			}
		}
	}
	return nil
}

// ReceivePrepare begins a cycle's worth of reads for receiver replica
// id, resetting its read cursor.
func (d *Duct) ReceivePrepare(cycle uint32, replica int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NReceivers {
		return fmt.Errorf("duct: receiver replica %d out of range [0,%d)", replica, d.cfg.NReceivers)
	}
	d.rolloverLocked(cycle)
	d.receiverPrepared[replica] = true
	d.receiverCursor[replica] = 0
	return nil
}

// ReceiveMessage copies the next pending message for receiver replica
// id into buf. It returns n==0 with a nil error when no more messages
// are available this cycle.
func (d *Duct) ReceiveMessage(replica int, buf []byte) (n int, ts int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NReceivers {
		return 0, 0, fmt.Errorf("duct: receiver replica %d out of range", replica)
	}
	cursor := d.receiverCursor[replica]
	if cursor >= len(d.current) {
		return 0, 0, nil
	}
	msg := d.current[cursor]
	d.receiverCursor[replica]++
	n = copy(buf, msg.Bytes[:msg.Len])
	return n, msg.Timestamp, nil
}

// ReceiveCommit finalizes receiver replica id's cycle.
func (d *Duct) ReceiveCommit(replica int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replica < 0 || replica >= d.cfg.NReceivers {
		return fmt.Errorf("duct: receiver replica %d out of range", replica)
	}
	return nil
}

// WaitForCommit blocks (bounded by timeout) until at least one sender
// has committed for the given cycle. This is the host emulation of the
// epoch lock described in spec.md §4.4: on target hardware, the
// partition scheduler guarantees ordering by construction; concurrent
// goroutine-based host harnesses use this instead.
func (d *Duct) WaitForCommit(cycle uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.cycle < cycle || (d.cycle == cycle && d.senderCommits == 0) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("duct: timed out waiting for sender commit in cycle %d", cycle)
		}
		waitCh := make(chan struct{})
		go func() {
			d.cond.Wait()
			close(waitCh)
		}()
		d.mu.Unlock()
		select {
		case <-waitCh:
		case <-time.After(remaining):
		}
		d.mu.Lock()
	}
	return nil
}

// vote computes the per-slot majority across scratch[0:nSenders], the
// way spec.md §4.4 describes: each slot's winning value (including the
// "no message" value) must be held by a strict majority of the nSenders
// sender replicas, else the slot is empty and reported as a miscompare.
func vote(scratch [][]replicaMsg, nSenders, maxFlow int) ([]Message, []bool) {
	type key struct {
		has  bool
		data string
		ts   int64
	}

	results := make([]Message, 0, maxFlow)
	miscompares := make([]bool, maxFlow)

	for slot := 0; slot < maxFlow; slot++ {
		tally := make(map[key]int)
		for r := 0; r < nSenders; r++ {
			var k key
			if slot < len(scratch[r]) && scratch[r][slot].valid {
				m := scratch[r][slot]
				k = key{has: true, data: string(m.bytes[:m.len]), ts: m.ts}
			} else {
				k = key{has: false}
			}
			tally[k]++
		}
		var winner key
		winnerCount := 0
		for k, c := range tally {
			if c > winnerCount {
				winner, winnerCount = k, c
			}
		}
		if winnerCount*2 <= nSenders {
			miscompares[slot] = true
			continue
		}
		if winner.has {
			results = append(results, Message{Bytes: []byte(winner.data), Len: len(winner.data), Timestamp: winner.ts})
		}
	}
	return results, miscompares
}

// Cycle returns the highest cycle number this duct has observed.
func (d *Duct) Cycle() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycle
}

// ConfigSnapshot returns the duct's immutable configuration.
func (d *Duct) ConfigSnapshot() Config { return d.cfg }
