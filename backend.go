// Package fsw provides the root API of the flight-software runtime: it
// wires the scheduler, ducts, RMAP links, watchdog, memory scrubber,
// telemetry switch, virtio science downlink, and ground-comm clips into
// a runnable Kernel, the same way a device's control plane, queue
// runners, and metrics assemble into one runnable unit elsewhere in
// this codebase.
package fsw

import (
	"context"
	"fmt"

	"github.com/tandemsat/fsw-core/internal/bus"
	"github.com/tandemsat/fsw-core/internal/duct"
	"github.com/tandemsat/fsw-core/internal/flight"
	"github.com/tandemsat/fsw-core/internal/hwtimer"
	"github.com/tandemsat/fsw-core/internal/logging"
	"github.com/tandemsat/fsw-core/internal/notepad"
	"github.com/tandemsat/fsw-core/internal/registry"
	"github.com/tandemsat/fsw-core/internal/rmap"
	"github.com/tandemsat/fsw-core/internal/scrub"
	"github.com/tandemsat/fsw-core/internal/sched"
	"github.com/tandemsat/fsw-core/internal/trap"
	"github.com/tandemsat/fsw-core/internal/virtio"
	"github.com/tandemsat/fsw-core/internal/watchdog"
)

// ScrubAspect is the watchdog aspect name a lane's memory scrubber
// votes on, alongside HeartbeatAspect. Unlike the heartbeat aspect, a
// lane's scrub result is never exchanged over a duct before voting: an
// SEU only ever affects that lane's own RAM, so the self-report is
// already trustworthy the way a cross-lane vote exists to make an
// unverified self-report trustworthy.
const ScrubAspect = "scrub"

// busPorts are the telemetry tag values (telemetry.go's Tag* constants)
// doubling as bus.Switch direct port numbers: every telemetry packet's
// leading tag byte is also its bus destination address.
var busPorts = []int{
	int(flight.TagHeartbeat), int(flight.TagPong), int(flight.TagClockCalibrated),
	int(flight.TagCmdReceived), int(flight.TagCmdCompleted), int(flight.TagCmdNotRecognized),
	int(flight.TagMagnetometerReading),
}

// sciencePort is the bus port carrying magnetometer readings onward to
// the virtio science downlink queue. Its payload is never empty once the
// tag byte is popped (unlike the heartbeat tag's), which is what makes
// it a clean feed for a queue whose Prepare loop treats a zero-length
// read as "nothing pending this cycle".
const sciencePort = int(flight.TagMagnetometerReading)

// KernelConfig configures a Kernel's replication factor and timing.
type KernelConfig struct {
	// ReplicaCount is the number of TMR lanes voting on every duct.
	// spec.md's default flight configuration is 3; 1 is accepted for
	// ungraded simulation runs.
	ReplicaCount int

	Clock hwtimer.Clock
	Log   *logging.Logger

	HeartbeatBudget    int64
	PingbackBudget     int64
	CommandBudget      int64
	ClockBudget        int64
	MagnetometerBudget int64
	WatchdogBudget     int64
	ScrubBudget        int64
	BusBudget          int64
	GroundBudget       int64

	// ScrubNanosPerWord tunes how many baseline words a lane's scrubber
	// checks per scheduler slot; it scales with RemainingNanosInSlot
	// rather than a fixed word count, so slower hosts still bound a
	// single Step call to its clip's budget.
	ScrubNanosPerWord int64
}

// DefaultKernelConfig returns a 3-lane configuration backed by the host
// monotonic clock, matching spec.md's default replication factor.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		ReplicaCount:       3,
		Clock:              &hwtimer.SystemClock{},
		HeartbeatBudget:    DefaultClipBudget.Nanoseconds(),
		PingbackBudget:     DefaultClipBudget.Nanoseconds(),
		CommandBudget:      DefaultClipBudget.Nanoseconds(),
		ClockBudget:        DefaultClipBudget.Nanoseconds(),
		MagnetometerBudget: DefaultClipBudget.Nanoseconds(),
		WatchdogBudget:     DefaultClipBudget.Nanoseconds(),
		ScrubBudget:        DefaultClipBudget.Nanoseconds(),
		BusBudget:          DefaultClipBudget.Nanoseconds(),
		GroundBudget:       DefaultClipBudget.Nanoseconds(),
		ScrubNanosPerWord:  DefaultScrubNanosPerWord,
	}
}

// Kernel wires one lane's worth of application clips around the shared
// IPC fabric (ducts) that all lanes vote through, plus the watchdog
// monitor that decides whether to keep feeding the hardware watchdog.
type Kernel struct {
	cfg     KernelConfig
	log     *logging.Logger
	metrics *Metrics

	registry *registry.Registry

	uplink   *duct.Duct
	downlink *duct.Duct
	pingCmd  *duct.Duct

	clockCmdOut  *duct.Duct
	clockReplyIn *duct.Duct
	magCmdOut    *duct.Duct
	magReplyIn   *duct.Duct

	watchdogAspect  *duct.Duct
	watchdogVoteIn  []*duct.Duct
	watchdogMonitor *watchdog.Monitor
	watchdogPad     *notepad.Notepad

	busSwitch  *bus.Switch
	scienceOut *duct.Duct
	scienceReg *flight.SimRegisterWindow
	scienceRB  []byte
	scienceQ   *virtio.OutputQueue

	ground *flight.GroundLink

	baseline []byte

	schedulers []*sched.Scheduler
}

// NewKernel builds every IPC primitive and application clip described
// in spec.md's example spacecraft wiring (heartbeat, pingback, command
// routing, clock calibration, magnetometer, watchdog, memory scrub, bus
// routing, science downlink, ground comm), one scheduler instance per
// replica lane sharing the same duct/watchdog state -- each lane's
// scheduler is the only goroutine that ever calls into that lane's
// clips, matching the single-caller concurrency model per lane.
func NewKernel(cfg KernelConfig) (*Kernel, error) {
	if cfg.ReplicaCount <= 0 {
		return nil, fmt.Errorf("fsw: ReplicaCount must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = &hwtimer.SystemClock{}
	}
	if cfg.ScrubNanosPerWord <= 0 {
		cfg.ScrubNanosPerWord = DefaultScrubNanosPerWord
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	n := cfg.ReplicaCount
	metrics := NewMetrics()

	onMiscompare := func(int) { metrics.RecordMiscompare() }

	newDuct := func(maxFlow int, messageSize int) *duct.Duct {
		return duct.New(duct.Config{
			NSenders: n, NReceivers: n, MaxFlow: maxFlow,
			MessageSize: messageSize, Polarity: duct.SenderFirst,
			OnMiscompare: onMiscompare,
		})
	}
	// Command-out ducts are voted n-to-1 (every lane sends the same
	// command, a single un-replicated device receives); reply-in ducts
	// are 1-to-n (the device is the sole sender, every lane reads
	// independently). A single device can never win an n-way vote as
	// the lone sender, so these can't share uplink/downlink's n-to-n
	// shape.
	newDeviceCmdDuct := func(messageSize int) *duct.Duct {
		return duct.New(duct.Config{
			NSenders: n, NReceivers: 1, MaxFlow: 1,
			MessageSize: messageSize, Polarity: duct.SenderFirst,
			OnMiscompare: onMiscompare,
		})
	}
	newDeviceReplyDuct := func(messageSize int) *duct.Duct {
		return duct.New(duct.Config{
			NSenders: 1, NReceivers: n, MaxFlow: 1,
			MessageSize: messageSize, Polarity: duct.SenderFirst,
			OnMiscompare: onMiscompare,
		})
	}

	// Watchdog vote ducts: one per replica, that replica the sole
	// sender, every replica a receiver -- matching WatchdogMonitor's
	// one-sender-per-duct exchange.
	watchdogVoteDucts := make([]*duct.Duct, n)
	for i := range watchdogVoteDucts {
		watchdogVoteDucts[i] = duct.New(duct.Config{
			NSenders: 1, NReceivers: n, MaxFlow: 1,
			MessageSize: flight.WatchdogVoteMessageSize, Polarity: duct.SenderFirst,
		})
	}

	k := &Kernel{
		cfg: cfg, log: log.WithClip("kernel"), metrics: metrics,
		registry:     registry.New(),
		uplink:       newDuct(1, CommandMaxParamLength+8),
		downlink:     newDuct(4, 64),
		pingCmd:      newDuct(1, CommandMaxParamLength+8),
		clockCmdOut:  newDeviceCmdDuct(12),
		clockReplyIn: newDeviceReplyDuct(12),
		magCmdOut:    newDeviceCmdDuct(12),
		magReplyIn:   newDeviceReplyDuct(12),

		watchdogAspect:  newDuct(1, flight.WatchdogAspectMessageSize),
		watchdogVoteIn:  watchdogVoteDucts,
		watchdogMonitor: watchdog.NewMonitor(n, log),
		watchdogPad:     notepad.New(notepad.Config{Label: "watchdog-decision", ReplicaCount: n, Size: flight.WatchdogVoteMessageSize, OnMiscompare: func() { metrics.RecordMiscompare() }}),

		ground: flight.NewGroundLink(n, 0, func() { metrics.RecordLinkError() }),
	}

	k.buildBus(n, onMiscompare)

	for replica := 0; replica < n; replica++ {
		s, err := k.buildLane(replica)
		if err != nil {
			return nil, err
		}
		k.schedulers = append(k.schedulers, s)
	}
	return k, nil
}

// buildBus wires the logical-address switch that demultiplexes every
// telemetry packet on the downlink by its tag byte. Port 1 (heartbeat)
// through port 7 (magnetometer) share the same inbound source -- the
// downlink itself -- so every port number in play needs a symmetric
// outbound duct per bus.Switch's wiring contract; ports without a real
// downstream consumer get a harmless sink so the port-number symmetry
// is satisfied without fabricating a consumer for telemetry nothing
// downstream needs yet.
func (k *Kernel) buildBus(n int, onMiscompare func(int)) {
	inbound := make(map[int]*duct.Duct, len(busPorts))
	outbound := make(map[int]*duct.Duct, len(busPorts))
	for _, port := range busPorts {
		if port == int(flight.TagHeartbeat) {
			inbound[port] = k.downlink
		} else {
			// No lane ever sends on these; they exist only so Switch's
			// inbound/outbound port sets stay symmetric.
			inbound[port] = duct.New(duct.Config{
				NSenders: n, NReceivers: n, MaxFlow: 1, MessageSize: 1, Polarity: duct.SenderFirst,
			})
		}
		if port == sciencePort {
			k.scienceOut = duct.New(duct.Config{
				NSenders: n, NReceivers: n, MaxFlow: 1, MessageSize: 12,
				Polarity: duct.SenderFirst, OnMiscompare: onMiscompare,
			})
			outbound[port] = k.scienceOut
		} else {
			outbound[port] = duct.New(duct.Config{
				NSenders: n, NReceivers: n, MaxFlow: 1, MessageSize: 12, Polarity: duct.SenderFirst,
			})
		}
	}

	k.busSwitch = bus.New(bus.Config{Ports: busPorts, Log: k.log}, inbound, outbound)

	const scienceQueueDepth = DefaultQueueSize
	k.scienceReg = flight.NewSimRegisterWindow(scienceQueueDepth)
	k.scienceRB = make([]byte, scienceQueueDepth*16) // descriptorSize is internal to virtio; 16 matches it
	if err := virtio.InitDevice(k.scienceReg, func(devFeatures uint64) uint64 { return 0 }); err != nil {
		k.log.Errorf("virtio: science queue init: %v", err)
	}
	if err := virtio.SetupQueue(k.scienceReg, 0, scienceQueueDepth, 0, 0, 0); err != nil {
		k.log.Errorf("virtio: science queue setup: %v", err)
	}
	k.scienceQ = virtio.NewOutputQueue(k.scienceReg, 0, k.scienceOut, 0, k.scienceRB, scienceQueueDepth, k.log)
}

func (k *Kernel) buildLane(replica int) (*sched.Scheduler, error) {
	watchAspects := []string{flight.HeartbeatAspect, ScrubAspect}
	voter := watchdog.NewVoter(watchdog.VoterConfig{
		Aspects: watchAspects,
		Timeout: DefaultWatchdogTimeout.Nanoseconds(),
		Log:     k.log,
	})

	clockHandler := rmap.NewHandler(DefaultRMAPEpochs, k.log)
	clockLink := flight.NewRMAPLink(clockHandler, k.clockCmdOut, k.clockReplyIn, replica)
	clockCal := flight.NewCalibration(clockLink, k.cfg.Clock, k.log)

	magHandler := rmap.NewHandler(DefaultRMAPEpochs, k.log)
	magLink := flight.NewRMAPLink(magHandler, k.magCmdOut, k.magReplyIn, replica)
	magTelem := flight.NewTelemetryEncoder(k.downlink, replica)
	mag := flight.NewMagnetometer(magLink, magTelem, replica)

	heartbeatClip := &sched.Clip{Label: "heartbeat", BudgetNanos: k.cfg.HeartbeatBudget}
	heartbeat := flight.NewHeartbeat(k.downlink, replica, k.cfg.Clock, clockCal, k.watchdogAspect)
	heartbeatClip.Entry = heartbeat.BindEntry(heartbeatClip)

	pingback := flight.NewPingback(k.pingCmd, k.downlink, replica, k.cfg.Clock)

	commandTelem := flight.NewTelemetryEncoder(k.downlink, replica)
	router := flight.NewCommandRouter(k.uplink, replica, commandTelem, []flight.Endpoint{
		{ID: flight.PingbackCommandID, Duct: k.pingCmd},
	})

	wd := flight.NewWatchdogMonitor(k.watchdogAspect, k.watchdogVoteIn, replica, k.cfg.Clock, voter, k.watchdogMonitor, flight.HeartbeatAspect, k.watchdogPad)

	ram := newScrubRAM(scrubBaselineVaddr, k.scrubSeed())
	var scheduler *sched.Scheduler
	scrubber, err := scrub.New(scrub.Config{
		Baseline:   k.scrubSeed(),
		LowestAddr: scrubBaselineVaddr,
		RemainingNanos: func() int64 {
			if scheduler == nil {
				return 0
			}
			return scheduler.RemainingNanosInSlot()
		},
		NanosPerWord: k.cfg.ScrubNanosPerWord,
		OnAspect: func(ok bool) {
			now := k.cfg.Clock.NowNanos()
			if err := voter.ReportVote(ScrubAspect, ok, now); err != nil {
				k.log.Warnf("scrub: report vote: %v", err)
			}
		},
		Log: k.log,
	}, ram)
	if err != nil {
		return nil, fmt.Errorf("fsw: replica %d: build scrubber: %w", replica, err)
	}

	schedule := []*sched.Clip{
		{Label: "command", BudgetNanos: k.cfg.CommandBudget, Entry: func(tick uint32) error {
			return router.Service(tick, k.cfg.Clock.NowNanos())
		}},
		{Label: "magnetometer", BudgetNanos: k.cfg.MagnetometerBudget, Entry: mag.Entry},
		{Label: "clock", BudgetNanos: k.cfg.ClockBudget, Entry: clockCal.Entry},
		{Label: "pingback", BudgetNanos: k.cfg.PingbackBudget, Entry: pingback.Entry},
		heartbeatClip,
		{Label: "watchdog", BudgetNanos: k.cfg.WatchdogBudget, Entry: func(tick uint32) error {
			if err := wd.Entry(tick); err != nil {
				return err
			}
			if !wd.Fed() {
				k.metrics.RecordWatchdogReset()
			}
			return k.ground.PumpSender(tick, replica, wd.Food(), wd.Fed())
		}},
		{Label: "scrub", BudgetNanos: k.cfg.ScrubBudget, Entry: func(tick uint32) error {
			corrected, err := scrubber.Step()
			if err != nil {
				return err
			}
			if corrected > 0 {
				k.metrics.RecordScrubCorrections(uint64(corrected))
			}
			return nil
		}},
		{Label: "bus", BudgetNanos: k.cfg.BusBudget, Entry: func(tick uint32) error {
			if err := k.busSwitch.Service(tick, replica); err != nil {
				return err
			}
			if replica != 0 {
				return nil
			}
			if err := k.scienceQ.Prepare(tick); err != nil {
				return err
			}
			if _, dropped := k.scienceQ.Commit(); dropped > 0 {
				k.log.Warnf("virtio: dropped %d science slot(s) to a ring mismatch", dropped)
			}
			return nil
		}},
		{Label: "ground", BudgetNanos: k.cfg.GroundBudget, Entry: func(tick uint32) error {
			if replica != k.ground.RecvReplica() {
				return nil
			}
			return k.ground.PumpReceiver(tick)
		}},
	}

	s := sched.New(sched.Config{
		Schedule: schedule,
		Clock:    k.cfg.Clock,
		Log:      k.log,
		OnDesync: func(clipLabel string) {
			k.log.Warnf("scheduler: clip %q desynchronized, restarting", clipLabel)
			k.metrics.RecordClipRestart()
		},
		OnHardReset: func(ctx trap.Context) {
			k.log.Errorf("scheduler: hard reset (%s on %s)", ctx.Kind, ctx.ClipLabel)
			k.metrics.RecordHardReset()
		},
	})
	scheduler = s
	return s, nil
}

// scrubSeed lazily builds and caches the synthetic baseline image every
// lane's scrubber is constructed from and every lane's RAM is seeded
// from, so all lanes start from byte-identical golden content.
func (k *Kernel) scrubSeed() []byte {
	if k.baseline == nil {
		k.baseline = buildScrubBaseline()
	}
	return k.baseline
}

// Run starts every replica lane's scheduler and blocks until ctx is
// canceled or a lane returns an error.
func (k *Kernel) Run(ctx context.Context) error {
	errs := make(chan error, len(k.schedulers))
	for _, s := range k.schedulers {
		s := s
		go func() { errs <- s.Run(ctx) }()
	}
	var firstErr error
	for range k.schedulers {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.metrics.Stop()
	k.ground.Close()
	return firstErr
}

// Metrics returns the kernel's runtime counters.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

// Registry returns the kernel's two-stage init registry, for callers
// registering additional boot-time constructors before Run.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// ClockDuct returns the command/reply duct pair a ground or device
// simulator (see MockDevice) services to stand in for the clock
// peripheral: it receives commands from cmd and sends replies on reply.
func (k *Kernel) ClockDuct() (cmd, reply *duct.Duct) {
	return k.clockCmdOut, k.clockReplyIn
}

// MagnetometerDuct returns the command/reply duct pair a device
// simulator services to stand in for the magnetometer peripheral.
func (k *Kernel) MagnetometerDuct() (cmd, reply *duct.Duct) {
	return k.magCmdOut, k.magReplyIn
}

// GroundLink returns the simulated ground-comm downlink, for tests that
// want to observe the watchdog decision stream leaving the spacecraft.
func (k *Kernel) GroundLink() *flight.GroundLink { return k.ground }
