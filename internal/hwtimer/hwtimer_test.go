package hwtimer

import "testing"

type fakeClock struct{ nanos int64 }

func (f *fakeClock) NowNanos() int64 { return f.nanos }

func TestCompareTimerExpiresAfterBudget(t *testing.T) {
	clk := &fakeClock{}
	timer := NewCompareTimer(clk)
	timer.ArmAfter(1000)

	if timer.Expired() {
		t.Fatal("timer should not be expired immediately after arming")
	}
	clk.nanos = 999
	if timer.Expired() {
		t.Fatal("timer should not be expired one nanosecond early")
	}
	clk.nanos = 1000
	if !timer.Expired() {
		t.Fatal("timer should be expired at the deadline")
	}
}

func TestCompareTimerDisarm(t *testing.T) {
	clk := &fakeClock{}
	timer := NewCompareTimer(clk)
	timer.ArmAfter(10)
	clk.nanos = 100
	timer.Disarm()
	if timer.Expired() {
		t.Fatal("disarmed timer should never report expired")
	}
}

func TestCompareTimerRemaining(t *testing.T) {
	clk := &fakeClock{}
	timer := NewCompareTimer(clk)
	timer.ArmAfter(500)
	clk.nanos = 200
	if timer.Remaining() != 300 {
		t.Fatalf("Remaining = %d, want 300", timer.Remaining())
	}
	clk.nanos = 1000
	if timer.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0 once past deadline", timer.Remaining())
	}
}

func TestSystemClockMonotonicFromFirstCall(t *testing.T) {
	c := &SystemClock{}
	first := c.NowNanos()
	second := c.NowNanos()
	if first < 0 || second < first {
		t.Fatalf("expected non-decreasing nanos starting near 0, got %d then %d", first, second)
	}
}
