package flight

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/tandemsat/fsw-core/internal/hwtimer"
	"github.com/tandemsat/fsw-core/internal/logging"
	"github.com/tandemsat/fsw-core/internal/rmap"
)

// ClockMagicNumber identifies the clock peripheral; a mismatched reply
// is a fatal configuration error, matching CLOCK_MAGIC_NUM ("tick-tock").
const ClockMagicNumber uint32 = 0x71CC70CC

const (
	regMagic = 0x00
	regClock = 0x04
)

type clockState int

const (
	clockReadMagic clockState = iota
	clockReadCurrentTime
	clockIdle
)

// Calibration runs the one-shot RMAP exchange that reads a reference
// clock peripheral's magic number and current time, then computes and
// latches the offset between mission time and the local monotonic
// clock. After calibration it idles forever, grounded on
// clock_start_clip; nothing in this runtime reclaims a clip's slot once
// it is idle.
type Calibration struct {
	link  *RMAPLink
	clock hwtimer.Clock
	log   *logging.Logger

	state clockState

	calibrated atomic.Bool
	offsetNs   atomic.Int64
}

// NewCalibration constructs a Calibration clip against the given RMAP
// link (addressed to the clock peripheral) and local clock source.
func NewCalibration(link *RMAPLink, clock hwtimer.Clock, log *logging.Logger) *Calibration {
	if log == nil {
		log = logging.Default()
	}
	return &Calibration{link: link, clock: clock, log: log.WithClip("clock.calibration")}
}

// IsCalibrated implements ClockSource for the heartbeat clip.
func (c *Calibration) IsCalibrated() bool { return c.calibrated.Load() }

// OffsetNanos returns the computed mission-time-minus-local-time
// offset; valid only once IsCalibrated is true.
func (c *Calibration) OffsetNanos() int64 { return c.offsetNs.Load() }

// Entry runs one RMAP epoch of the calibration state machine: consume
// the previous cycle's reply, decide the next register to read, and
// pump that request (if any) out over the link.
func (c *Calibration) Entry(tick uint32) error {
	handler := c.link.Handler
	now := c.clock.NowNanos()

	switch c.state {
	case clockReadMagic:
		buf := make([]byte, 4)
		status, ok := handler.ReadComplete(buf)
		if ok {
			if status != rmap.StatusOK {
				c.log.Warnf("failed to query clock magic number, status=%v", status)
				break
			}
			magic := binary.BigEndian.Uint32(buf)
			if magic != ClockMagicNumber {
				return fmt.Errorf("clock: incorrect magic number 0x%08x", magic)
			}
			c.state = clockReadCurrentTime
		}
	case clockReadCurrentTime:
		buf := make([]byte, 8)
		status, ok := handler.ReadComplete(buf)
		if ok {
			if status != rmap.StatusOK {
				c.log.Warnf("failed to query clock current time, status=%v", status)
				break
			}
			received := int64(binary.BigEndian.Uint64(buf))
			c.configure(received, now)
			c.state = clockIdle
		}
	}

	var cmdBytes []byte
	switch c.state {
	case clockReadMagic:
		if handler.Idle() {
			b, err := handler.ReadStart(0x00, regMagic, 4)
			if err != nil {
				return fmt.Errorf("clock: read magic start: %w", err)
			}
			cmdBytes = b
		}
	case clockReadCurrentTime:
		if handler.Idle() {
			b, err := handler.ReadStart(0x00, regClock, 8)
			if err != nil {
				return fmt.Errorf("clock: read time start: %w", err)
			}
			cmdBytes = b
		}
	case clockIdle:
		// nothing to do
	}
	return c.link.Pump(tick, now, cmdBytes)
}

func (c *Calibration) configure(receivedTimestamp, networkTimestamp int64) {
	c.offsetNs.Store(receivedTimestamp - networkTimestamp)
	c.calibrated.Store(true)
	c.log.Infof("clock calibrated: offset=%dns", c.offsetNs.Load())
}
