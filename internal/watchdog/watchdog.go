// Package watchdog implements the aspect-voting liveness subsystem
// described in spec.md §4.10: per-cycle health votes ("aspects") from
// sender replicas to voter replicas, and a monitor clip that feeds a
// hardware watchdog a recipe-derived "food" word, or withholds feeding
// when a majority of voters say the processor should reset.
package watchdog

import (
	"fmt"
	"math/bits"

	"github.com/tandemsat/fsw-core/internal/logging"
)

// Aspect tracks one health signal's last-known-ok timestamp, as
// maintained by a voter replica.
type Aspect struct {
	Name        string
	Timeout     int64 // nanoseconds
	lastKnownOK int64
	sawFirstOK  bool
}

// Observe records a vote for this aspect at time now: ok==true resets
// the last-known-ok timestamp.
func (a *Aspect) Observe(ok bool, now int64) {
	if ok {
		a.lastKnownOK = now
		a.sawFirstOK = true
	}
}

// Failed reports whether the aspect has gone silent for longer than its
// timeout, after an initial startup grace period (no vote yet at all
// never counts as failed -- there has been no baseline to measure
// against).
func (a *Aspect) Failed(now int64) bool {
	if !a.sawFirstOK {
		return false
	}
	return now-a.lastKnownOK > a.Timeout
}

// VoterConfig configures a Voter replica.
type VoterConfig struct {
	Aspects []string
	Timeout int64
	Log     *logging.Logger
}

// Voter tallies per-cycle aspect votes and tracks aspect liveness.
type Voter struct {
	cfg     VoterConfig
	aspects map[string]*Aspect
	log     *logging.Logger
}

// NewVoter constructs a Voter with one Aspect per configured name.
func NewVoter(cfg VoterConfig) *Voter {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	v := &Voter{cfg: cfg, aspects: make(map[string]*Aspect), log: log.WithClip("watchdog.voter")}
	for _, name := range cfg.Aspects {
		v.aspects[name] = &Aspect{Name: name, Timeout: cfg.Timeout}
	}
	return v
}

// ReportVote records this cycle's replicated vote (already majority-
// resolved by the caller via a duct) for the named aspect.
func (v *Voter) ReportVote(name string, ok bool, now int64) error {
	a, found := v.aspects[name]
	if !found {
		return fmt.Errorf("watchdog: unknown aspect %q", name)
	}
	a.Observe(ok, now)
	return nil
}

// ForceReset reports whether any aspect has failed, meaning this
// voter's recommendation to the monitor clip is to withhold the next
// feed.
func (v *Voter) ForceReset(now int64) bool {
	for _, a := range v.aspects {
		if a.Failed(now) {
			v.log.Warnf("watchdog: aspect %q exceeded timeout", a.Name)
			return true
		}
	}
	return false
}

// Food computes the deterministic "food" word from a hardware
// watchdog's recipe register: an odd base raised to the low 16 bits of
// the recipe used as exponent, XORed with the bit-reversal of the
// recipe. Exponentiation intentionally wraps on uint32 overflow,
// matching the reference firmware's unchecked fixed-width arithmetic.
func Food(recipe uint32) uint32 {
	const oddBase uint32 = 0x6F4D9B25 // arbitrary odd constant
	exponent := recipe & 0xFFFF
	power := powMod32(oddBase, exponent)
	return power ^ bits.Reverse32(recipe)
}

// powMod32 computes base^exp in uint32 arithmetic, wrapping on
// overflow exactly as the underlying hardware's ALU would.
func powMod32(base, exp uint32) uint32 {
	result := uint32(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

// MonitorVote is one voter replica's response for a cycle: either a
// computed food word, or a recommendation to force a reset.
type MonitorVote struct {
	Food       uint32
	ForceReset bool
}

// Monitor drives the hardware watchdog's feed register from the
// majority of its voter replicas' votes.
type Monitor struct {
	nVoters int
	log     *logging.Logger
}

// NewMonitor constructs a Monitor expecting votes from nVoters voter
// replicas each cycle.
func NewMonitor(nVoters int, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	return &Monitor{nVoters: nVoters, log: log.WithClip("watchdog.monitor")}
}

// Decide tallies this cycle's voter responses: if a strict majority
// recommend forcing a reset, it reports that the monitor should stop
// feeding; otherwise it returns the majority food word to write to the
// feed register.
func (m *Monitor) Decide(votes []MonitorVote) (food uint32, feed bool) {
	resetVotes := 0
	tally := make(map[uint32]int)
	for _, v := range votes {
		if v.ForceReset {
			resetVotes++
			continue
		}
		tally[v.Food]++
	}
	if resetVotes*2 > m.nVoters {
		m.log.Warnf("watchdog: majority of voters recommend forced reset")
		return 0, false
	}
	var winner uint32
	winnerCount := 0
	for f, c := range tally {
		if c > winnerCount {
			winner, winnerCount = f, c
		}
	}
	if winnerCount*2 <= m.nVoters {
		m.log.Warnf("watchdog: no majority food word this cycle, withholding feed")
		return 0, false
	}
	return winner, true
}
