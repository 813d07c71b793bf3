package flight

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/hwtimer"
	"github.com/tandemsat/fsw-core/internal/notepad"
	"github.com/tandemsat/fsw-core/internal/watchdog"
)

// decisionSize is the wire size of one notepad-persisted decision: a
// 4-byte food word and a 1-byte fed flag.
const decisionSize = 5

// WatchdogAspectMessageSize is the wire size of one aspect vote: a
// single "alive this cycle" byte, matching spec.md §4.10's one-byte
// aspect duct.
const WatchdogAspectMessageSize = 1

// WatchdogVoteMessageSize is the wire size of one monitor vote: a
// 4-byte recipe-derived food word followed by a 1-byte force-reset
// recommendation.
const WatchdogVoteMessageSize = 5

// WatchdogMonitor is the monitor-clip half of the watchdog subsystem: it
// reads this cycle's cross-replica-voted aspect signal off aspectIn --
// a duct every replica both sends and receives on, so the value read
// back is already the TMR majority rather than this lane's own opinion
// -- folds it into the local Voter, computes this lane's food vote from
// a recipe shared across replicas, exchanges that vote with every other
// replica over one single-sender duct per replica, and decides via
// watchdog.Monitor whether the hardware watchdog gets fed this cycle.
type WatchdogMonitor struct {
	aspectIn *duct.Duct
	voteOut  *duct.Duct
	voteIn   []*duct.Duct
	replica  int
	clock    hwtimer.Clock
	voter    *watchdog.Voter
	monitor  *watchdog.Monitor
	aspect   string
	pad      *notepad.Notepad

	fed  bool
	food uint32
}

// NewWatchdogMonitor wires one replica's monitor clip. voteDucts must
// have one entry per replica, each a 1-sender/n-receiver duct (this
// replica is the sole sender on voteDucts[replica]). pad is a notepad
// shared by every replica's monitor, used to persist the decided
// food/fed decision across cycles so a ground query for the last-known
// watchdog consensus survives a replica momentarily dropping out of the
// vote, the notepad-side equivalent of a clip recovering state after a
// restart.
func NewWatchdogMonitor(aspectIn *duct.Duct, voteDucts []*duct.Duct, replica int, clock hwtimer.Clock, voter *watchdog.Voter, monitor *watchdog.Monitor, aspect string, pad *notepad.Notepad) *WatchdogMonitor {
	return &WatchdogMonitor{
		aspectIn: aspectIn,
		voteOut:  voteDucts[replica],
		voteIn:   voteDucts,
		replica:  replica,
		clock:    clock,
		voter:    voter,
		monitor:  monitor,
		aspect:   aspect,
		pad:      pad,
	}
}

// Entry runs one watchdog monitor cycle: consume this cycle's voted
// aspect signal, exchange and decide this cycle's food vote, and record
// whether the hardware watchdog was fed.
func (w *WatchdogMonitor) Entry(tick uint32) error {
	now := w.clock.NowNanos()

	alive, err := w.readAspectVote(tick)
	if err != nil {
		return err
	}
	if err := w.voter.ReportVote(w.aspect, alive, now); err != nil {
		return fmt.Errorf("watchdog: report vote: %w", err)
	}

	vote := watchdog.MonitorVote{
		Food:       watchdog.Food(tick), // recipe shared by every replica: the cycle number itself
		ForceReset: w.voter.ForceReset(now),
	}
	if err := w.sendVote(tick, now, vote); err != nil {
		return err
	}

	votes, err := w.collectVotes(tick)
	if err != nil {
		return err
	}
	food, feed := w.monitor.Decide(votes)
	w.food, w.fed = food, feed

	if _, err := w.pad.Cycle(w.replica); err != nil {
		return fmt.Errorf("watchdog: notepad cycle: %w", err)
	}
	if err := w.pad.Write(w.replica, encodeDecision(food, feed)); err != nil {
		return fmt.Errorf("watchdog: notepad write: %w", err)
	}
	return nil
}

// Recall returns the last cross-replica-voted watchdog decision held in
// the shared notepad, independent of this replica's own just-computed
// Fed/Food -- a ground query can read this even from a replica that
// missed this cycle's vote entirely.
func (w *WatchdogMonitor) Recall() (food uint32, fed bool, ok bool) {
	data, ok := w.pad.Vote()
	if !ok || len(data) < decisionSize {
		return 0, false, false
	}
	food, fed = decodeDecision(data)
	return food, fed, true
}

func (w *WatchdogMonitor) readAspectVote(tick uint32) (bool, error) {
	if err := w.aspectIn.ReceivePrepare(tick, w.replica); err != nil {
		return false, fmt.Errorf("watchdog: aspect receive_prepare: %w", err)
	}
	buf := make([]byte, WatchdogAspectMessageSize)
	n, _, err := w.aspectIn.ReceiveMessage(w.replica, buf)
	if err != nil {
		w.aspectIn.ReceiveCommit(w.replica)
		return false, fmt.Errorf("watchdog: aspect receive_message: %w", err)
	}
	if err := w.aspectIn.ReceiveCommit(w.replica); err != nil {
		return false, fmt.Errorf("watchdog: aspect receive_commit: %w", err)
	}
	return n > 0 && buf[0] == 1, nil
}

func (w *WatchdogMonitor) sendVote(tick uint32, now int64, vote watchdog.MonitorVote) error {
	if err := w.voteOut.SendPrepare(tick, 0); err != nil {
		return fmt.Errorf("watchdog: vote send_prepare: %w", err)
	}
	if w.voteOut.SendAllowed(0) {
		if err := w.voteOut.SendMessage(0, encodeMonitorVote(vote), now); err != nil {
			return fmt.Errorf("watchdog: vote send_message: %w", err)
		}
	}
	return w.voteOut.SendCommit(0)
}

func (w *WatchdogMonitor) collectVotes(tick uint32) ([]watchdog.MonitorVote, error) {
	votes := make([]watchdog.MonitorVote, 0, len(w.voteIn))
	for _, vd := range w.voteIn {
		if err := vd.ReceivePrepare(tick, w.replica); err != nil {
			return nil, fmt.Errorf("watchdog: vote receive_prepare: %w", err)
		}
		buf := make([]byte, WatchdogVoteMessageSize)
		n, _, err := vd.ReceiveMessage(w.replica, buf)
		if err != nil {
			vd.ReceiveCommit(w.replica)
			return nil, fmt.Errorf("watchdog: vote receive_message: %w", err)
		}
		if err := vd.ReceiveCommit(w.replica); err != nil {
			return nil, fmt.Errorf("watchdog: vote receive_commit: %w", err)
		}
		if n == WatchdogVoteMessageSize {
			votes = append(votes, decodeMonitorVote(buf))
		}
	}
	return votes, nil
}

// Fed reports whether the most recently decided cycle fed the hardware
// watchdog.
func (w *WatchdogMonitor) Fed() bool { return w.fed }

// Food returns the food word computed for the most recently decided
// cycle, for telemetry.
func (w *WatchdogMonitor) Food() uint32 { return w.food }

func encodeDecision(food uint32, fed bool) []byte {
	buf := make([]byte, decisionSize)
	binary.BigEndian.PutUint32(buf[0:4], food)
	if fed {
		buf[4] = 1
	}
	return buf
}

func decodeDecision(buf []byte) (food uint32, fed bool) {
	return binary.BigEndian.Uint32(buf[0:4]), buf[4] == 1
}

func encodeMonitorVote(v watchdog.MonitorVote) []byte {
	buf := make([]byte, WatchdogVoteMessageSize)
	binary.BigEndian.PutUint32(buf[0:4], v.Food)
	if v.ForceReset {
		buf[4] = 1
	}
	return buf
}

func decodeMonitorVote(buf []byte) watchdog.MonitorVote {
	return watchdog.MonitorVote{
		Food:       binary.BigEndian.Uint32(buf[0:4]),
		ForceReset: buf[4] == 1,
	}
}
