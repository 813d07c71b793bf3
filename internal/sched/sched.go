// Package sched implements the static round-robin, time-partitioned
// scheduler described in spec.md §2 item 3 and §5: a fixed ordered list
// of clip slots, each with a nanosecond budget, driven by a hardware
// compare timer. Exactly one clip runs at a time; there is no
// preemptive multitasking between clips within a slot. The main loop
// structure -- prime, then loop pinned to a single OS thread until
// context cancellation -- follows this codebase's queue I/O loop.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/tandemsat/fsw-core/internal/hwtimer"
	"github.com/tandemsat/fsw-core/internal/logging"
	"github.com/tandemsat/fsw-core/internal/trap"
)

// ErrHardReset is returned by Run when a trap was classified as
// unrecoverable (kernel-context or recursive exception) and OnHardReset
// (if any) has already run. Run does not attempt to service any further
// slots after this -- on target hardware the processor itself resets;
// the host harness's equivalent is unwinding this lane's goroutine.
var ErrHardReset = errors.New("sched: hard reset required")

// Clip is one schedulable unit: a label and an entry function invoked
// once per scheduling slot it's visited.
type Clip struct {
	Label       string
	BudgetNanos int64
	Entry       func(tick uint32) error

	needsStart         bool
	hitRestart         bool
	recursiveException bool
	clipRunning        bool
	nextTick           uint32
	maxNanosObserved   int64
}

// MaxNanosObserved returns the largest observed execution time for this
// clip across all slots visited so far, measured against the compare
// timer armed for its budget.
func (c *Clip) MaxNanosObserved() int64 { return c.maxNanosObserved }

// Config configures a Scheduler.
type Config struct {
	Schedule    []*Clip
	Clock       hwtimer.Clock
	CPUAffinity []int
	Log         *logging.Logger

	// OnDesync is invoked when a clip's expected next tick doesn't match
	// the scheduler's tick counter at slot entry: the clip fell behind
	// or got ahead of the schedule it last ran against, the host
	// equivalent of a lane drifting out of lockstep with its own major
	// frame. The clip is forced back through needs_start.
	OnDesync func(clipLabel string)

	// OnHardReset is invoked, in addition to the trap handler's own
	// bookkeeping, when a trap is classified DispositionHardReset.
	OnHardReset func(ctx trap.Context)
}

// Scheduler drives Schedule in a fixed repeating order, enforcing each
// clip's nanosecond budget via a compare timer and converting trapped
// exceptions into clip restarts or, for Fatal-class traps, a hard
// reset.
type Scheduler struct {
	cfg Config

	tick uint32
	idx  int

	currentClip *Clip
	periodStart int64
	fatal       error

	log   *logging.Logger
	timer *hwtimer.CompareTimer
	trap  *trap.Handler
}

// New constructs a Scheduler. All clips start in needs_start state,
// matching a cold boot.
func New(cfg Config) *Scheduler {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	for _, c := range cfg.Schedule {
		c.needsStart = true
	}
	s := &Scheduler{cfg: cfg, log: log.WithClip("scheduler"), timer: hwtimer.NewCompareTimer(cfg.Clock)}
	s.trap = &trap.Handler{
		OnRestartClip: func(label string, _ trap.Context) { s.restartByLabel(label) },
		OnHardReset:   s.abort,
	}
	return s
}

func (s *Scheduler) restartByLabel(label string) {
	for _, c := range s.cfg.Schedule {
		if c.Label == label {
			c.hitRestart = true
			return
		}
	}
}

// abort handles a trap classified DispositionHardReset: it notifies the
// configured callback, if any, and records a fatal error that Run
// returns instead of continuing to service slots. There is no recovery
// from this within a lane; a hard reset on target hardware reboots the
// processor, and the closest a host goroutine can come is stopping.
func (s *Scheduler) abort(ctx trap.Context) {
	s.log.Errorf("hard reset required for clip %s (kernel_context=%v recursive=%v): %s",
		ctx.ClipLabel, ctx.InKernelContext, ctx.RecursiveException, ctx.Detail)
	if s.cfg.OnHardReset != nil {
		s.cfg.OnHardReset(ctx)
	}
	s.fatal = fmt.Errorf("%w: clip %s: %s", ErrHardReset, ctx.ClipLabel, ctx.Detail)
}

// Run pins the scheduler loop to one OS thread (matching the single-CPU,
// no-SMP execution model) and runs scheduling cycles until ctx is
// canceled or a Fatal-class trap forces a hard reset.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cfg.Schedule) == 0 {
		return fmt.Errorf("sched: empty schedule")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(s.cfg.CPUAffinity) > 0 {
		var mask unix.CPUSet
		mask.Set(s.cfg.CPUAffinity[0])
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			s.log.Warnf("failed to set CPU affinity: %v", err)
		}
	}

	s.periodStart = s.cfg.Clock.NowNanos()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if s.idx == 0 {
			s.periodStart = s.cfg.Clock.NowNanos()
		}
		clip := s.cfg.Schedule[s.idx]
		s.currentClip = clip
		s.runOneSlot(clip)
		if s.fatal != nil {
			return s.fatal
		}
		s.idx = (s.idx + 1) % len(s.cfg.Schedule)
		if s.idx == 0 {
			s.tick++
		}
	}
}

// runOneSlot executes one clip's scheduling slot: check for schedule
// desync, arm the compare timer, invoke the clip's entry (recovering
// any panic as a trapped exception), and observe whether the clip
// completed within budget.
func (s *Scheduler) runOneSlot(clip *Clip) {
	if clip.hitRestart {
		clip.needsStart = true
		clip.hitRestart = false
	}

	// A clip that completed its previous slot cleanly recorded the tick
	// it expects to run again at. If the scheduler's own tick has
	// drifted from that -- a slot was skipped, or this clip's lane fell
	// out of step with the schedule it last observed -- treat it the
	// same as any other miscompare: force the clip back through
	// needs_start rather than let it run against tick-dependent state it
	// never prepared for.
	if clip.clipRunning && clip.nextTick != s.tick {
		s.log.Warnf("clip %s desynchronized: expected tick %d, scheduler at %d", clip.Label, clip.nextTick, s.tick)
		if s.cfg.OnDesync != nil {
			s.cfg.OnDesync(clip.Label)
		}
		clip.needsStart = true
	}

	s.timer.ArmAfter(clip.BudgetNanos)
	clip.clipRunning = false

	func() {
		defer func() {
			if r := recover(); r != nil {
				clip.recursiveException = clip.hitRestart
				ctx := trap.Context{
					Kind:      trap.KindUndefined,
					ClipLabel: clip.Label,
					Detail:    fmt.Sprintf("%v", r),
				}
				ctx.RecursiveException = clip.recursiveException
				if err := s.trap.Handle(ctx); err != nil {
					s.log.Errorf("unrecoverable trap for clip %s: %v", clip.Label, err)
				}
			}
		}()
		if err := clip.Entry(s.tick); err != nil {
			s.log.Warnf("clip %s returned error: %v", clip.Label, err)
			clip.hitRestart = true
			return
		}
		clip.clipRunning = true
		clip.needsStart = false
	}()

	if elapsed := clip.BudgetNanos - s.timer.Remaining(); elapsed > clip.maxNanosObserved {
		clip.maxNanosObserved = elapsed
	}
	if s.timer.Expired() {
		s.log.Warnf("clip %s exceeded its budget of %d ns", clip.Label, clip.BudgetNanos)
		clip.hitRestart = true
	}
	s.timer.Disarm()
	clip.nextTick = s.tick + 1
}

// Tick returns the current completed-lap counter: it increments once
// every time the schedule wraps back to its first clip.
func (s *Scheduler) Tick() uint32 { return s.tick }

// TickIndex returns the position within Schedule of the slot currently
// executing (or, between slots, about to execute).
func (s *Scheduler) TickIndex() int { return s.idx }

// GetCurrentClip returns the clip occupying the slot Run is currently
// servicing, or nil before Run has started.
func (s *Scheduler) GetCurrentClip() *Clip { return s.currentClip }

// PeriodStartTime returns the clock reading at the start of the major
// frame (the schedule lap) currently in progress.
func (s *Scheduler) PeriodStartTime() int64 { return s.periodStart }

// RemainingNanosInSlot returns how much of the current clip's budget is
// left on the compare timer. Clips that want to bound their own work
// against the slot they're occupying -- the scrubber chief among them
// -- call this instead of assuming a fixed per-slot quota.
func (s *Scheduler) RemainingNanosInSlot() int64 { return s.timer.Remaining() }

// Yield disarms the compare timer early, letting a clip voluntarily end
// its slot before its budget is exhausted without that being recorded
// as a budget overrun. There is no real suspension here -- Entry still
// runs to completion -- this only affects the overrun check that
// follows.
func (s *Scheduler) Yield() { s.timer.Disarm() }

// NeedsStart reports whether this clip is entering its slot fresh --
// either the first run after boot or the run immediately following a
// restart -- so Entry can reinitialize clip-local state the way a real
// restart handler would.
func (c *Clip) NeedsStart() bool { return c.needsStart }
