// Command fswsim runs a Kernel against simulated clock and magnetometer
// peripherals, standing in for the real RMAP hardware links so the
// scheduler, ducts, and application clips can be exercised end to end
// on a development host.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/tandemsat/fsw-core"
	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/flight"
	"github.com/tandemsat/fsw-core/internal/logging"
	"github.com/tandemsat/fsw-core/internal/registry"
)

const (
	simClockMagicReg   = 0x00
	simClockCurrentReg = 0x04
)

func main() {
	var (
		replicas = flag.Int("replicas", 3, "number of TMR lanes to run")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := fsw.DefaultKernelConfig()
	cfg.ReplicaCount = *replicas
	cfg.Log = logger

	kernel, err := fsw.NewKernel(cfg)
	if err != nil {
		logger.Errorf("failed to build kernel: %v", err)
		os.Exit(1)
	}

	clockDevice := fsw.NewMockDevice()
	seedClockRegisters(clockDevice)
	magDevice := fsw.NewMockDevice()
	seedMagnetometerRegisters(magDevice)

	reg := kernel.Registry()
	reg.Register(registry.StageRAW, registry.Constructor{
		Name: "clock.device.seed",
		Run: func() error {
			logger.Info("clock peripheral simulator armed")
			return nil
		},
	})
	reg.Register(registry.StageReady, registry.Constructor{
		Name: "magnetometer.device.seed",
		Run: func() error {
			logger.Info("magnetometer peripheral simulator armed")
			return nil
		},
	})
	if err := reg.Run(registry.StageRAW); err != nil {
		logger.Errorf("raw stage init failed: %v", err)
		os.Exit(1)
	}
	if err := reg.Run(registry.StageReady); err != nil {
		logger.Errorf("ready stage init failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clockCmd, clockReply := kernel.ClockDuct()
	magCmd, magReply := kernel.MagnetometerDuct()
	go runDeviceLoop(ctx, clockDevice, clockCmd, clockReply, 0)
	go runDeviceLoop(ctx, magDevice, magCmd, magReply, 0)

	logger.Info("starting kernel", "replicas", *replicas)

	runDone := make(chan error, 1)
	go func() { runDone <- kernel.Run(ctx) }()

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	metricsTicker := time.NewTicker(5 * time.Second)
	defer metricsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
			<-runDone
			return
		case err := <-runDone:
			if err != nil {
				logger.Errorf("kernel run exited with error: %v", err)
				os.Exit(1)
			}
			return
		case <-metricsTicker.C:
			snap := kernel.Metrics().Snapshot()
			logger.Info("metrics",
				"miscompares", snap.Miscompares,
				"malfunctions", snap.Malfunctions,
				"clip_restarts", snap.ClipRestarts,
				"watchdog_resets", snap.WatchdogResets,
				"clock_calls", fmt.Sprintf("%v", clockDevice.CallCounts()),
				"mag_calls", fmt.Sprintf("%v", magDevice.CallCounts()),
				"ground_frames", kernel.GroundLink().FramesSent())
		}
	}
}

func seedClockRegisters(d *fsw.MockDevice) {
	magic := make([]byte, 4)
	binary.BigEndian.PutUint32(magic, flight.ClockMagicNumber)
	d.SetRegister(simClockMagicReg, magic)

	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().UnixNano()))
	d.SetRegister(simClockCurrentReg, now)
}

func seedMagnetometerRegisters(d *fsw.MockDevice) {
	const (
		regX = 0x00
		regY = 0x04
		regZ = 0x08
	)
	for addr, v := range map[uint32]int32{regX: 120, regY: -45, regZ: 300} {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		d.SetRegister(addr, buf)
	}
}

// runDeviceLoop drives one simulated peripheral's side of an RMAPLink
// exchange, advancing its own cycle counter continuously. Ducts tolerate
// a cycle number that races or lags the kernel's scheduler tick by
// simply resetting the matching prepare/commit window on the next call,
// so this loop does not need to synchronize its pace with the kernel.
func runDeviceLoop(ctx context.Context, d *fsw.MockDevice, cmd, reply *duct.Duct, replica int) {
	var cycle uint32
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := d.Service(cmd, reply, cycle, replica); err != nil {
			time.Sleep(time.Millisecond)
		}
		cycle++
	}
}
