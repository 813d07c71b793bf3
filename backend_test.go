package fsw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandemsat/fsw-core/internal/hwtimer"
)

func TestNewKernelRejectsNonPositiveReplicaCount(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.ReplicaCount = 0
	_, err := NewKernel(cfg)
	require.Error(t, err)
}

func TestDefaultKernelConfigUsesSharedBudget(t *testing.T) {
	cfg := DefaultKernelConfig()
	require.Equal(t, 3, cfg.ReplicaCount)

	want := DefaultClipBudget.Nanoseconds()
	require.Equal(t, want, cfg.HeartbeatBudget)
	require.Equal(t, want, cfg.PingbackBudget)
	require.Equal(t, want, cfg.CommandBudget)
	require.Equal(t, want, cfg.ClockBudget)
	require.Equal(t, want, cfg.MagnetometerBudget)
	require.Equal(t, want, cfg.WatchdogBudget)
}

func TestNewKernelExposesDeviceDucts(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.ReplicaCount = 1
	cfg.Clock = &hwtimer.SystemClock{}
	k, err := NewKernel(cfg)
	require.NoError(t, err)

	clockCmd, clockReply := k.ClockDuct()
	require.NotNil(t, clockCmd)
	require.NotNil(t, clockReply)
	require.Equal(t, 12, clockCmd.ConfigSnapshot().MessageSize)

	magCmd, magReply := k.MagnetometerDuct()
	require.NotNil(t, magCmd)
	require.NotNil(t, magReply)
	require.Equal(t, 12, magReply.ConfigSnapshot().MessageSize)

	require.NotNil(t, k.Metrics())
	require.NotNil(t, k.Registry())
}

// TestKernelRunStopsOnCancel is a smoke test that every replica lane's
// scheduler goroutine actually starts servicing its schedule and exits
// cleanly once the context is canceled, without deadlocking on any of
// the IPC primitives wired up in buildLane.
func TestKernelRunStopsOnCancel(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.ReplicaCount = 3
	cfg.Clock = &hwtimer.SystemClock{}
	k, err := NewKernel(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
