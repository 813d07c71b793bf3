package flight

import (
	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/hwtimer"
	"github.com/tandemsat/fsw-core/internal/sched"
)

// HeartbeatPeriodNanos is the beacon interval: the mission requirement
// is 150ms, beat at 120ms for margin, matching heartbeat.c.
const HeartbeatPeriodNanos = 120_000_000

// HeartbeatAspect is the watchdog aspect name this clip votes on.
const HeartbeatAspect = "heartbeat"

// ClockSource reports whether the runtime clock has been calibrated
// against a ground reference yet; heartbeats are withheld until it is,
// matching clock_is_calibrated() in heartbeat.c.
type ClockSource interface {
	IsCalibrated() bool
}

// Heartbeat sends a periodic beacon and, on the same cycle, casts this
// replica's vote for the heartbeat watchdog aspect onto aspectOut -- a
// duct every replica both sends and receives on, so what a voter
// replica reads back out is the cross-replica majority rather than this
// lane's own opinion, grounded on heartbeat_main_clip.
type Heartbeat struct {
	telemetry *TelemetryEncoder
	clock     hwtimer.Clock
	clockCal  ClockSource
	aspectOut *duct.Duct
	replica   int

	lastHeartbeatTime int64
}

// NewHeartbeat constructs a Heartbeat clip for one replica.
func NewHeartbeat(out *duct.Duct, replica int, clock hwtimer.Clock, clockCal ClockSource, aspectOut *duct.Duct) *Heartbeat {
	return &Heartbeat{
		telemetry: NewTelemetryEncoder(out, replica),
		clock:     clock,
		clockCal:  clockCal,
		aspectOut: aspectOut,
		replica:   replica,
	}
}

// BindEntry returns an Entry function suitable for sched.Clip.Entry,
// closing over clip itself so the heartbeat can consult its own
// needs-start flag the way heartbeat_main_clip calls clip_is_restart().
func (h *Heartbeat) BindEntry(clip *sched.Clip) func(tick uint32) error {
	return func(tick uint32) error {
		now := h.clock.NowNanos()
		if clip.NeedsStart() {
			h.lastHeartbeatTime = now - HeartbeatPeriodNanos
		}

		if err := h.telemetry.Prepare(tick, now); err != nil {
			return err
		}
		defer h.telemetry.Commit()

		if err := h.aspectOut.SendPrepare(tick, h.replica); err != nil {
			return err
		}
		defer h.aspectOut.SendCommit(h.replica)

		if h.clockCal.IsCalibrated() && now >= h.lastHeartbeatTime+HeartbeatPeriodNanos {
			if err := h.telemetry.Heartbeat(); err != nil {
				return err
			}
			if h.aspectOut.SendAllowed(h.replica) {
				if err := h.aspectOut.SendMessage(h.replica, []byte{1}, now); err != nil {
					return err
				}
			}
			h.lastHeartbeatTime = now
		}
		return nil
	}
}
