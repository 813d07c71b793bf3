package fsw

import (
	"sync/atomic"
	"time"
)

// Metrics tracks runtime-wide operational counters: miscompares, clip
// restarts, scrub corrections, and watchdog/link health. These back the
// telemetry encoder's housekeeping packet, not a performance profiler --
// there is no latency histogram here, since clip timing is governed by
// the scheduler's fixed slot budgets rather than variable-latency I/O.
type Metrics struct {
	Miscompares     atomic.Uint64
	Malfunctions    atomic.Uint64
	ClipRestarts    atomic.Uint64
	HardResets      atomic.Uint64
	ScrubCorrections atomic.Uint64
	LinkErrors      atomic.Uint64
	FlowDenials     atomic.Uint64
	RemoteErrors    atomic.Uint64
	WatchdogResets  atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics constructs a Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the runtime as stopped, for uptime computation.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// RecordMiscompare increments the replica-voting-disagreement counter.
func (m *Metrics) RecordMiscompare() { m.Miscompares.Add(1) }

// RecordMalfunction increments the timing/protocol-violation counter.
func (m *Metrics) RecordMalfunction() { m.Malfunctions.Add(1) }

// RecordClipRestart increments the clip-restart counter.
func (m *Metrics) RecordClipRestart() { m.ClipRestarts.Add(1) }

// RecordHardReset increments the hard-reset counter.
func (m *Metrics) RecordHardReset() { m.HardResets.Add(1) }

// RecordScrubCorrections adds n corrected 32-bit words to the scrub
// counter.
func (m *Metrics) RecordScrubCorrections(n uint64) { m.ScrubCorrections.Add(n) }

// RecordLinkError increments the link-framing/CRC/keep-alive error
// counter.
func (m *Metrics) RecordLinkError() { m.LinkErrors.Add(1) }

// RecordFlowDenial increments the switch/duct-full drop counter.
func (m *Metrics) RecordFlowDenial() { m.FlowDenials.Add(1) }

// RecordRemoteError increments the RMAP nonzero-reply-status counter.
func (m *Metrics) RecordRemoteError() { m.RemoteErrors.Add(1) }

// RecordWatchdogReset increments the forced-reset counter.
func (m *Metrics) RecordWatchdogReset() { m.WatchdogResets.Add(1) }

// MetricsSnapshot is a point-in-time copy of Metrics suitable for
// encoding into a telemetry packet.
type MetricsSnapshot struct {
	Miscompares      uint64
	Malfunctions     uint64
	ClipRestarts     uint64
	HardResets       uint64
	ScrubCorrections uint64
	LinkErrors       uint64
	FlowDenials      uint64
	RemoteErrors     uint64
	WatchdogResets   uint64
	UptimeNs         uint64
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Miscompares:      m.Miscompares.Load(),
		Malfunctions:     m.Malfunctions.Load(),
		ClipRestarts:     m.ClipRestarts.Load(),
		HardResets:       m.HardResets.Load(),
		ScrubCorrections: m.ScrubCorrections.Load(),
		LinkErrors:       m.LinkErrors.Load(),
		FlowDenials:      m.FlowDenials.Load(),
		RemoteErrors:     m.RemoteErrors.Load(),
		WatchdogResets:   m.WatchdogResets.Load(),
	}
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	return snap
}

// Reset zeroes all counters and restarts the uptime clock, for test
// isolation between scenarios.
func (m *Metrics) Reset() {
	m.Miscompares.Store(0)
	m.Malfunctions.Store(0)
	m.ClipRestarts.Store(0)
	m.HardResets.Store(0)
	m.ScrubCorrections.Store(0)
	m.LinkErrors.Store(0)
	m.FlowDenials.Store(0)
	m.RemoteErrors.Store(0)
	m.WatchdogResets.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
