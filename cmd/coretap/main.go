//go:build linux

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coretap/coretap/pkg/counters"
	"github.com/coretap/coretap/pkg/rmid"
	"github.com/coretap/coretap/pkg/sampler"
	"github.com/coretap/coretap/pkg/sampler/proctask"
	"github.com/coretap/coretap/pkg/sampler/rmidprog"
	"github.com/coretap/coretap/pkg/synctimer"
	"github.com/coretap/coretap/pkg/transport"
	"github.com/coretap/coretap/pkg/types"
)

type opts struct {
	interval     time.Duration
	minFreeTime  time.Duration
	maxRMID      uint32
	armingMode   string
	hardwareRMID bool

	dump bool

	jsonPath string
	csvPath  string
	pretty   bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "coretap",
		Short: "Synchronized per-CPU performance telemetry engine",
		Long: `coretap samples per-CPU hardware performance counters on a
synchronized, interval-aligned tick, attributes them to the currently
running task via an RMID pool with post-free quarantine, and emits a
length-prefixed event stream over a per-CPU transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().DurationVar(&o.interval, "interval", 10*time.Millisecond, "synchronized tick interval")
	root.Flags().DurationVar(&o.minFreeTime, "min-free-time", 2*time.Second, "RMID quarantine window after free")
	root.Flags().Uint32Var(&o.maxRMID, "max-rmid", 32, "number of RMIDs to allocate (pool size)")
	root.Flags().StringVar(&o.armingMode, "arming-mode", "auto", "STS arming mode: auto, modern, intermediate, legacy")
	root.Flags().BoolVar(&o.hardwareRMID, "hardware-rmid", false, "program the RMID/CLOSID association MSR on task switch")
	root.Flags().BoolVar(&o.dump, "dump", false, "dump the currently-allocated RMID table and exit")
	root.Flags().StringVar(&o.jsonPath, "json", "", "write decoded events to a JSON-lines file")
	root.Flags().StringVar(&o.csvPath, "csv", "", "write decoded events to a CSV file")
	root.Flags().BoolVar(&o.pretty, "pretty", true, "print a tabwriter view of decoded events to stdout")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	if o.interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	numCPU := runtime.NumCPU()

	ra := rmid.New()
	ra.SetObserver(slogObserver{})
	if err := ra.Init(o.maxRMID, o.minFreeTime.Nanoseconds()); err != nil {
		return fmt.Errorf("rmid init: %w", err)
	}

	if o.dump {
		ra.DumpExisting(time.Now().UnixNano())
		return nil
	}

	src, err := counters.NewPerfEventSource(numCPU)
	if err != nil {
		return fmt.Errorf("perf_event_open: %w", err)
	}
	defer src.Close()
	cde := counters.NewEngine(src, numCPU)

	etp := transport.New(numCPU, transport.DefaultQueueDepth)

	tasks := proctask.New()
	if err := tasks.Refresh(); err != nil {
		return fmt.Errorf("initial /proc scan: %w", err)
	}

	var programmer sampler.RMIDProgrammer = rmidprog.NoopProgrammer{}
	if o.hardwareRMID {
		msr := rmidprog.NewMSRProgrammer()
		defer msr.Close()
		programmer = msr
	}

	coord := sampler.New(ra, cde, etp, tasks, tasks, programmer, o.hardwareRMID, slog.Default())

	affinity := affinityForMode(o.armingMode)
	sched := synctimer.New(synctimer.NewRealClock(), affinity, o.interval,
		func(cpu int, tick uint64, nowNs int64) {
			coord.OnTick(cpu, nowNs)
		},
		func(expectedCPU, actualCPU int, nowNs int64) {
			frame := transport.Encode(transport.TimerMigrationMsg{
				TimestampNs: nowNs, ExpectedCPU: uint32(expectedCPU), ActualCPU: uint32(actualCPU),
			})
			if !etp.Emit(expectedCPU, frame) {
				slog.Warn("etp drop", "type", "TIMER_MIGRATION_DETECTED", "cpu", expectedCPU)
			}
			slog.Warn("timer migration detected", "expected_cpu", expectedCPU, "actual_cpu", actualCPU)
		},
		slog.Default(),
	)

	// Arming mode is negotiated lazily, by whichever goroutine actually
	// fires cpu's timer (Start's goroutine here) — see synctimer.Scheduler.
	for cpu := 0; cpu < numCPU; cpu++ {
		sched.Arm(cpu)
		slog.Info("armed timer", "cpu", cpu)
		sched.Start(cpu)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refreshTicker := time.NewTicker(o.interval)
	defer refreshTicker.Stop()

	out, closeOut, err := newOutputSink(o)
	if err != nil {
		return fmt.Errorf("output sink: %w", err)
	}
	defer closeOut()

	done := make(chan struct{})
	go drainTransport(etp, numCPU, out, done)

	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted")
			goto END
		case <-refreshTicker.C:
			if err := tasks.Refresh(); err != nil {
				slog.Warn("proc refresh error", "err", err)
			}
		}
	}

END:
	sched.Destroy()
	coord.Destroy(time.Now().UnixNano())
	close(done)
	return nil
}

func affinityForMode(mode string) synctimer.Affinity {
	switch mode {
	case "modern", "intermediate", "auto":
		return synctimer.LinuxAffinity{}
	case "legacy":
		return legacyAffinity{}
	default:
		return synctimer.LinuxAffinity{}
	}
}

// legacyAffinity never pins and never identifies the current CPU, forcing
// the scheduler to negotiate ModeLegacy.
type legacyAffinity struct{}

func (legacyAffinity) Pin(cpu int) error       { return fmt.Errorf("legacy mode: pinning disabled") }
func (legacyAffinity) CurrentCPU() (int, bool) { return 0, false }

type slogObserver struct{}

func (slogObserver) OnAlloc(rmid uint32, comm string, tgid int, nowNs int64) {
	slog.Info("rmid_alloc", "rmid", rmid, "comm", comm, "tgid", tgid)
}
func (slogObserver) OnFree(rmid uint32, nowNs int64) {
	slog.Info("rmid_free", "rmid", rmid)
}
func (slogObserver) OnExisting(rmid uint32, comm string, tgid int, nowNs int64) {
	slog.Info("rmid_existing", "rmid", rmid, "comm", comm, "tgid", tgid)
}

type decodedEvent struct {
	Type        string `json:"type"`
	TimestampNs int64  `json:"timestamp_ns"`
	PID         uint32 `json:"pid,omitempty"`
	Comm        string `json:"comm,omitempty"`
	CgroupID    uint64 `json:"cgroup_id,omitempty"`
	CyclesDelta uint64 `json:"cycles_delta,omitempty"`
	InstrDelta  uint64 `json:"instructions_delta,omitempty"`
	LLCDelta    uint64 `json:"llc_misses_delta,omitempty"`
	RefsDelta   uint64 `json:"cache_refs_delta,omitempty"`
	TimeDeltaNs uint64 `json:"time_delta_ns,omitempty"`
	ExpectedCPU uint32 `json:"expected_cpu,omitempty"`
	ActualCPU   uint32 `json:"actual_cpu,omitempty"`
}

func decode(frame []byte) decodedEvent {
	h := transport.DecodeHeader(frame)
	ev := decodedEvent{Type: h.Type.String(), TimestampNs: h.TimestampNs}
	switch h.Type {
	case transport.TaskMetadata:
		m := transport.DecodeTaskMetadata(frame)
		ev.PID, ev.Comm, ev.CgroupID = m.PID, m.Comm, m.CgroupID
	case transport.TaskFree:
		ev.PID = transport.DecodeTaskFree(frame).PID
	case transport.PerfMeasurement:
		m := transport.DecodePerfMeasurement(frame)
		ev.PID = m.PID
		ev.CyclesDelta, ev.InstrDelta, ev.LLCDelta, ev.RefsDelta, ev.TimeDeltaNs =
			m.CyclesDelta, m.InstructionsDelta, m.LLCMissesDelta, m.CacheRefsDelta, m.TimeDeltaNs
	case transport.TimerMigrationDetected:
		m := transport.DecodeTimerMigration(frame)
		ev.ExpectedCPU, ev.ActualCPU = m.ExpectedCPU, m.ActualCPU
	}
	return ev
}

type outputSink struct {
	jsonEnc    *json.Encoder
	csvW       *csv.Writer
	tw         *tabwriter.Writer
	totalBytes atomic.Uint64
}

func newOutputSink(o opts) (*outputSink, func(), error) {
	var closers []func()
	s := &outputSink{}

	if o.jsonPath != "" {
		f, err := os.Create(o.jsonPath)
		if err != nil {
			return nil, nil, fmt.Errorf("create json: %w", err)
		}
		s.jsonEnc = json.NewEncoder(f)
		closers = append(closers, func() { _ = f.Close() })
	}
	if o.csvPath != "" {
		f, err := os.Create(o.csvPath)
		if err != nil {
			return nil, nil, fmt.Errorf("create csv: %w", err)
		}
		w := csv.NewWriter(f)
		_ = w.Write([]string{"type", "timestamp_ns", "pid", "comm", "cgroup_id",
			"cycles_delta", "instructions_delta", "llc_misses_delta", "cache_refs_delta", "time_delta_ns"})
		s.csvW = w
		closers = append(closers, func() { w.Flush(); _ = f.Close() })
	}
	if o.pretty {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tTIMESTAMP_NS\tPID\tCOMM\tCYCLES\tINSTR\tLLC_MISS\tCACHE_REF")
		s.tw = tw
		closers = append(closers, func() { tw.Flush() })
	}

	return s, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func (s *outputSink) write(ev decodedEvent) {
	if s.jsonEnc != nil {
		_ = s.jsonEnc.Encode(ev)
	}
	if s.csvW != nil {
		_ = s.csvW.Write([]string{
			ev.Type, fmt.Sprintf("%d", ev.TimestampNs), fmt.Sprintf("%d", ev.PID), ev.Comm,
			fmt.Sprintf("%d", ev.CgroupID), fmt.Sprintf("%d", ev.CyclesDelta),
			fmt.Sprintf("%d", ev.InstrDelta), fmt.Sprintf("%d", ev.LLCDelta), fmt.Sprintf("%d", ev.RefsDelta),
			fmt.Sprintf("%d", ev.TimeDeltaNs),
		})
		s.csvW.Flush()
	}
	if s.tw != nil {
		fmt.Fprintf(s.tw, "%s\t%d\t%d\t%s\t%d\t%d\t%d\t%d\n",
			ev.Type, ev.TimestampNs, ev.PID, ev.Comm, ev.CyclesDelta, ev.InstrDelta, ev.LLCDelta, ev.RefsDelta)
		s.tw.Flush()
	}
}

func drainTransport(etp *transport.Transport, numCPU int, out *outputSink, done <-chan struct{}) {
	cases := make([]<-chan []byte, numCPU)
	for cpu := 0; cpu < numCPU; cpu++ {
		cases[cpu] = etp.Subscribe(cpu)
	}
	defer logThroughputSummary(etp, numCPU, out)
	for {
		for cpu, ch := range cases {
			select {
			case frame := <-ch:
				out.totalBytes.Add(uint64(len(frame)))
				out.write(decode(frame))
			case <-done:
				return
			default:
				_ = cpu
			}
		}
		select {
		case <-done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// logThroughputSummary reports total decoded bytes and any per-CPU drops at
// shutdown, in human-readable units.
func logThroughputSummary(etp *transport.Transport, numCPU int, out *outputSink) {
	var dropped uint64
	for cpu := 0; cpu < numCPU; cpu++ {
		dropped += etp.Dropped(cpu)
	}
	slog.Info("transport summary",
		"decoded", types.Bytes(out.totalBytes.Load()).Humanized(),
		"frames_dropped", dropped)
}
