// Package scrub implements the redundant memory scrubber described in
// spec.md §2 item 4: one or more replicated clips that walk a trusted
// ELF baseline image and correct any read-only page in live memory
// whose contents have drifted from it. Writable segments are skipped
// entirely -- the scrubber only repairs code and read-only data, never
// a clip's own mutable state, which is protected instead by notepads
// and ducts.
package scrub

import (
	"fmt"

	"github.com/tandemsat/fsw-core/internal/elfscan"
	"github.com/tandemsat/fsw-core/internal/logging"
)

// wordSize is the comparison granularity: a single-event upset flips a
// bit, but ECC and bus widths on the reference hardware operate on
// 32-bit words, so corrections are applied a word at a time rather than
// byte at a time.
const wordSize = 4

// Memory is the live memory region collaborator: a byte-addressable
// window the scrubber reads from and corrects.
type Memory interface {
	ReadAt(addr uint32, buf []byte) error
	WriteAt(addr uint32, data []byte) error
}

// segment is one PT_LOAD region the scrubber walks, captured once at
// construction from the ELF baseline.
type segment struct {
	vaddr  uint32
	source []byte
}

// Config configures a Scrubber.
type Config struct {
	Baseline   []byte
	LowestAddr uint32

	// RemainingNanos reports how much of the current scheduling slot is
	// left; Step keeps checking words only while at least NanosPerWord
	// remains, matching a clip that bounds its own work against the
	// scheduler's compare timer instead of a fixed per-slot word count.
	RemainingNanos func() int64
	NanosPerWord   int64

	// OnAspect, if set, is invoked once per completed full pass over
	// every segment (ok==true), and on any read/write failure
	// (ok==false), so the watchdog monitor can fold scrub health into
	// its feed decision.
	OnAspect func(ok bool)

	Log *logging.Logger
}

// Scrubber walks its configured read-only segments incrementally,
// bounded by the caller's remaining slot budget, across many scheduler
// slots, so a single invocation never exceeds its schedule budget.
type Scrubber struct {
	mem      Memory
	segments []segment

	remainingNanos func() int64
	nanosPerWord   int64
	onAspect       func(ok bool)

	needsStart  bool
	segIdx      int
	offset      int
	iteration   uint64
	corrections uint64
	log         *logging.Logger
}

// New constructs a Scrubber from a validated ELF baseline image,
// skipping writable segments. Every read-only segment the scrubber
// covers must have memsz == filesz (a read-only segment with a BSS tail
// has no baseline content to scrub that tail against) and must be
// word-aligned, both in vaddr and in length.
func New(cfg Config, mem Memory) (*Scrubber, error) {
	if mem == nil {
		return nil, fmt.Errorf("scrub: mem is required")
	}
	if cfg.RemainingNanos == nil {
		return nil, fmt.Errorf("scrub: RemainingNanos is required")
	}
	if cfg.NanosPerWord <= 0 {
		return nil, fmt.Errorf("scrub: NanosPerWord must be positive")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	s := &Scrubber{
		mem:            mem,
		remainingNanos: cfg.RemainingNanos,
		nanosPerWord:   cfg.NanosPerWord,
		onAspect:       cfg.OnAspect,
		needsStart:     true,
		log:            log.WithClip("scrubber"),
	}
	_, err := elfscan.ScanLoadSegments(cfg.Baseline, cfg.LowestAddr, func(seg elfscan.Segment) error {
		if seg.Writable() {
			return nil
		}
		if seg.Memsz != seg.Filesz {
			return fmt.Errorf("scrub: read-only segment at 0x%x has memsz %d != filesz %d, can't scrub a bss tail against a baseline", seg.Vaddr, seg.Memsz, seg.Filesz)
		}
		if seg.Vaddr%wordSize != 0 {
			return fmt.Errorf("scrub: read-only segment vaddr 0x%x is not word-aligned", seg.Vaddr)
		}
		if len(seg.Source)%wordSize != 0 {
			return fmt.Errorf("scrub: read-only segment at 0x%x has length %d, not word-aligned", seg.Vaddr, len(seg.Source))
		}
		s.segments = append(s.segments, segment{vaddr: seg.Vaddr, source: seg.Source})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scrub: invalid baseline: %w", err)
	}
	return s, nil
}

// NeedsStart reports whether the next Step begins a fresh pass from the
// first segment rather than resuming mid-pass.
func (s *Scrubber) NeedsStart() bool { return s.needsStart }

// Restart discards any in-progress pass and resumes scrubbing from the
// first segment on the next Step call -- the scrub-side equivalent of a
// clip restart, so a cursor left pointing into a segment that no longer
// matches the current boot's layout is never trusted.
func (s *Scrubber) Restart() {
	s.needsStart = true
	s.segIdx, s.offset = 0, 0
}

// Step checks as many words as fit in the scheduling slot's remaining
// budget, starting from where the last Step call left off, correcting
// any mismatch against the baseline. It returns how many words were
// corrected this call.
func (s *Scrubber) Step() (corrected int, err error) {
	if s.needsStart {
		s.segIdx, s.offset = 0, 0
		s.needsStart = false
	}
	if len(s.segments) == 0 {
		return 0, nil
	}

	skips := 0
	maxSkips := 2*len(s.segments) + 4
	for s.remainingNanos() >= s.nanosPerWord {
		seg := s.segments[s.segIdx]
		if s.offset >= len(seg.source) {
			s.segIdx++
			s.offset = 0
			if s.segIdx >= len(s.segments) {
				s.segIdx = 0
				s.iteration++
				if s.onAspect != nil {
					s.onAspect(true)
				}
			}
			skips++
			if skips > maxSkips {
				// every segment is empty; nothing to check this call.
				break
			}
			continue
		}
		skips = 0

		addr := seg.vaddr + uint32(s.offset)
		live := make([]byte, wordSize)
		if err := s.mem.ReadAt(addr, live); err != nil {
			if s.onAspect != nil {
				s.onAspect(false)
			}
			return corrected, fmt.Errorf("scrub: read at 0x%x: %w", addr, err)
		}
		want := seg.source[s.offset : s.offset+wordSize]
		if !bytesEqual(live, want) {
			if err := s.mem.WriteAt(addr, want); err != nil {
				if s.onAspect != nil {
					s.onAspect(false)
				}
				return corrected, fmt.Errorf("scrub: write at 0x%x: %w", addr, err)
			}
			s.corrections++
			s.log.Warnf("scrub: corrected a word at 0x%x", addr)
			corrected++
		}
		s.offset += wordSize
	}
	return corrected, nil
}

// Corrections returns the total count of word corrections since
// construction, for telemetry.
func (s *Scrubber) Corrections() uint64 { return s.corrections }

// Iteration returns the number of full passes completed over every
// covered segment.
func (s *Scrubber) Iteration() uint64 { return s.iteration }

// Pend returns a ticket for the next full pass to complete: a
// restarting clip that must not resume until memory has been
// re-verified calls IsPendDone with this ticket on later cycles, the
// scrub-side equivalent of spec.md's scrubber_pend/is_pend_done pair.
func (s *Scrubber) Pend() uint64 { return s.iteration + 1 }

// IsPendDone reports whether the pass identified by ticket (as returned
// by an earlier Pend call) has completed.
func (s *Scrubber) IsPendDone(ticket uint64) bool { return s.iteration >= ticket }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
