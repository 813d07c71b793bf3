// Package notepad implements the voting, double-buffered feed-forward
// storage described in spec.md §4.6: persistent mutable state for a
// replicated clip that must survive across scheduling cycles despite
// any one replica's copy being corrupted or malfunctioning. Ducts vote
// messages in flight; notepads vote a clip's own state at rest.
package notepad

import (
	"fmt"
	"sync"
)

// MiscompareFunc is invoked when a cycle's read found no majority among
// the replica copies.
type MiscompareFunc func()

// Config configures a Notepad at construction.
type Config struct {
	Label        string
	ReplicaCount int
	Size         int // bytes per region
	OnMiscompare MiscompareFunc
}

// Notepad is double-buffered, voted, cross-cycle storage shared by the
// replicas of a single logical clip. Each replica owns one flip-state
// byte and writes only to its own write region; all replicas read the
// same voted region.
type Notepad struct {
	cfg Config

	mu        sync.Mutex
	flip      []bool // per-replica: which of the two regions is this replica's current write target
	regionA   [][]byte
	regionB   [][]byte
	lastValid bool
}

// New constructs a Notepad with two regions of Size bytes per replica.
func New(cfg Config) *Notepad {
	n := &Notepad{
		cfg:     cfg,
		flip:    make([]bool, cfg.ReplicaCount),
		regionA: make([][]byte, cfg.ReplicaCount),
		regionB: make([][]byte, cfg.ReplicaCount),
	}
	for i := 0; i < cfg.ReplicaCount; i++ {
		n.regionA[i] = make([]byte, cfg.Size)
		n.regionB[i] = make([]byte, cfg.Size)
	}
	return n
}

// readRegionLocked returns replica i's current read region: the flip of
// its write region (flip==false means this replica currently writes A
// and reads B; flip==true means the reverse).
func (n *Notepad) readRegionLocked(i int) []byte {
	if n.flip[i] {
		return n.regionA[i]
	}
	return n.regionB[i]
}

func (n *Notepad) writeRegionLocked(i int) []byte {
	if n.flip[i] {
		return n.regionB[i]
	}
	return n.regionA[i]
}

// Vote reads the previous cycle's N replica copies, finds the majority
// byte-for-byte value, and returns it (and whether a majority existed).
// This does not mutate any state; callers combine it with Cycle and Write.
func (n *Notepad) Vote() (data []byte, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.voteLocked()
}

func (n *Notepad) voteLocked() ([]byte, bool) {
	tally := make(map[string]int)
	for i := 0; i < n.cfg.ReplicaCount; i++ {
		tally[string(n.readRegionLocked(i))]++
	}
	var winner string
	winnerCount := 0
	for k, c := range tally {
		if c > winnerCount {
			winner, winnerCount = k, c
		}
	}
	if winnerCount*2 <= n.cfg.ReplicaCount {
		return nil, false
	}
	return []byte(winner), true
}

// Write stores data into replica's current read region immediately --
// the region the latest Cycle call filled and the next Vote or Cycle
// tallies -- overwriting whatever that replica last committed. Callers that need
// to both carry forward the prior cross-replica consensus and stash a
// freshly computed value call Cycle first, then Write, so the next
// cycle's Vote tallies this cycle's fresh value rather than the stale
// carry-forward copy.
func (n *Notepad) Write(replica int, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if replica < 0 || replica >= n.cfg.ReplicaCount {
		return fmt.Errorf("notepad %s: replica %d out of range", n.cfg.Label, replica)
	}
	copy(n.readRegionLocked(replica), data)
	return nil
}

// Cycle performs one notepad cycle for replica id: it votes the
// previous region, copies the majority value (or zeros, on
// miscompare) into replica id's new write region, and flips that
// replica's flip-state byte. It returns the voted data (a defensive
// copy) for the caller to consume this cycle.
func (n *Notepad) Cycle(replica int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if replica < 0 || replica >= n.cfg.ReplicaCount {
		return nil, fmt.Errorf("notepad %s: replica %d out of range", n.cfg.Label, replica)
	}
	voted, ok := n.voteLocked()
	out := make([]byte, n.cfg.Size)
	if ok {
		copy(out, voted)
	} else if n.cfg.OnMiscompare != nil {
		n.cfg.OnMiscompare()
	}
	copy(n.writeRegionLocked(replica), out)
	n.flip[replica] = !n.flip[replica]
	return out, nil
}
