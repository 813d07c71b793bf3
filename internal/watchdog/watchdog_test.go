package watchdog

import "testing"

func TestAspectFailsAfterTimeoutSinceLastOK(t *testing.T) {
	v := NewVoter(VoterConfig{Aspects: []string{"heartbeat"}, Timeout: 100})
	v.ReportVote("heartbeat", true, 0)
	if v.ForceReset(50) {
		t.Fatal("expected no reset recommendation within timeout")
	}
	if !v.ForceReset(201) {
		t.Fatal("expected reset recommendation once timeout exceeded")
	}
}

func TestAspectGraceBeforeFirstOK(t *testing.T) {
	v := NewVoter(VoterConfig{Aspects: []string{"heartbeat"}, Timeout: 100})
	if v.ForceReset(1000) {
		t.Fatal("expected no failure before any vote has ever been observed")
	}
}

func TestFoodIsDeterministic(t *testing.T) {
	a := Food(0x12345678)
	b := Food(0x12345678)
	if a != b {
		t.Fatalf("Food must be deterministic, got %d and %d", a, b)
	}
	if Food(0x12345678) == Food(0x87654321) {
		t.Fatal("different recipes should (overwhelmingly likely) produce different food words")
	}
}

func TestMonitorDecideMajorityFood(t *testing.T) {
	m := NewMonitor(3, nil)
	food, feed := m.Decide([]MonitorVote{
		{Food: 42}, {Food: 42}, {Food: 99},
	})
	if !feed || food != 42 {
		t.Fatalf("got food=%d feed=%v, want 42/true", food, feed)
	}
}

func TestMonitorDecideMajorityForceReset(t *testing.T) {
	m := NewMonitor(3, nil)
	_, feed := m.Decide([]MonitorVote{
		{ForceReset: true}, {ForceReset: true}, {Food: 7},
	})
	if feed {
		t.Fatal("expected monitor to withhold feed when a majority recommend reset")
	}
}

func TestMonitorDecideNoMajorityWithholdsFeed(t *testing.T) {
	m := NewMonitor(3, nil)
	_, feed := m.Decide([]MonitorVote{
		{Food: 1}, {Food: 2}, {Food: 3},
	})
	if feed {
		t.Fatal("expected monitor to withhold feed without a food majority")
	}
}
