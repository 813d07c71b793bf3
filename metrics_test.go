package fsw

import "testing"

func TestMetricsRecordCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordMiscompare()
	m.RecordMiscompare()
	m.RecordMalfunction()
	m.RecordClipRestart()
	m.RecordHardReset()
	m.RecordScrubCorrections(128)
	m.RecordLinkError()
	m.RecordFlowDenial()
	m.RecordRemoteError()
	m.RecordWatchdogReset()

	snap := m.Snapshot()
	if snap.Miscompares != 2 {
		t.Fatalf("Miscompares = %d, want 2", snap.Miscompares)
	}
	if snap.Malfunctions != 1 || snap.ClipRestarts != 1 || snap.HardResets != 1 {
		t.Fatalf("got %+v, want 1 each", snap)
	}
	if snap.ScrubCorrections != 128 {
		t.Fatalf("ScrubCorrections = %d, want 128", snap.ScrubCorrections)
	}
	if snap.LinkErrors != 1 || snap.FlowDenials != 1 || snap.RemoteErrors != 1 || snap.WatchdogResets != 1 {
		t.Fatalf("got %+v, want 1 each", snap)
	}
}

func TestMetricsSnapshotUptimeGrows(t *testing.T) {
	m := NewMetrics()
	first := m.Snapshot().UptimeNs
	for i := 0; i < 1_000_000; i++ {
		// burn a little wall-clock time without sleeping
	}
	second := m.Snapshot().UptimeNs
	if second < first {
		t.Fatalf("uptime went backwards: %d then %d", first, second)
	}
}

func TestMetricsStopFreezesUptime(t *testing.T) {
	m := NewMetrics()
	m.Stop()
	first := m.Snapshot().UptimeNs
	second := m.Snapshot().UptimeNs
	if first != second {
		t.Fatalf("uptime should be frozen after Stop: got %d then %d", first, second)
	}
}

func TestMetricsResetZeroesCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordMiscompare()
	m.RecordWatchdogReset()
	m.Reset()
	snap := m.Snapshot()
	if snap.Miscompares != 0 || snap.WatchdogResets != 0 {
		t.Fatalf("got %+v, want all zero after Reset", snap)
	}
}
