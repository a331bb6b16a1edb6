// Package synctimer implements the Synchronized Tick Scheduler (STS): one
// cooperative per-CPU timer, armed at an absolute interval-aligned deadline,
// that detects and reports timer migration, per spec.md §4.3.
package synctimer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoTimerPrimitive names the condition of a platform with no usable timer
// primitive. The Scheduler does not return it: a platform that offers neither
// an affinity-pinning nor a current-CPU primitive is negotiated to ModeLegacy.
var ErrNoTimerPrimitive = errors.New("synctimer: no usable timer primitive on this platform")

// Mode is the capability-negotiated arming mode for one CPU's timer,
// per spec.md §4.3.
type Mode int

const (
	// ModeModern: the goroutine's OS thread is pinned to its CPU; firing
	// CPU is always the pinned CPU.
	ModeModern Mode = iota
	// ModeIntermediate: absolute deadlines without pinning; correctness
	// relies on migration detection.
	ModeIntermediate
	// ModeLegacy: pinning failed and no current-CPU primitive at all;
	// migration detection disabled (every firing is reported as pinned).
	// Deadlines and sleeping are the same as in the other modes.
	ModeLegacy
)

func (m Mode) String() string {
	switch m {
	case ModeModern:
		return "modern"
	case ModeIntermediate:
		return "intermediate"
	case ModeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Clock abstracts the monotonic clock and sleeping, so tests can drive the
// scheduler without real wall-clock waits.
type Clock interface {
	NowNs() int64
	SleepUntilNs(deadlineNs int64)
}

// Affinity abstracts CPU-pinning and CPU-identification primitives. A
// working Pin gives ModeModern; a failing Pin with a working CurrentCPU gives
// ModeIntermediate; lacking both still arms the timer, in ModeLegacy.
type Affinity interface {
	// Pin attempts to confine the calling OS thread to cpu. Returns an
	// error (not panic) if the platform lacks the capability or the
	// call fails, which negotiates ModeIntermediate instead of ModeModern.
	// Must be called from the goroutine that will go on to fire the timer:
	// on Linux this locks the calling OS thread (runtime.LockOSThread),
	// so calling it from any other goroutine pins the wrong thread.
	Pin(cpu int) error
	// CurrentCPU reports the CPU the calling OS thread is presently
	// running on. ok is false if the platform cannot answer at all,
	// which negotiates ModeLegacy.
	CurrentCPU() (cpu int, ok bool)
}

// Callback is invoked on a normal (non-migrated) firing.
type Callback func(cpu int, tick uint64, nowNs int64)

// MigrationHandler is invoked instead of Callback when a firing is detected
// on a CPU other than the one the timer was armed on.
type MigrationHandler func(expectedCPU, actualCPU int, nowNs int64)

type cpuState struct {
	mu             sync.Mutex
	mode           Mode
	negotiated     bool
	pinnedCPU      int
	nextDeadlineNs int64
	lastTick       uint64
	started        bool
	stop           chan struct{}
	done           chan struct{}
}

// Scheduler owns one cpuState per CPU it has been armed for.
type Scheduler struct {
	clock      Clock
	affinity   Affinity
	intervalNs int64
	onFire     Callback
	onMigrate  MigrationHandler
	logger     *slog.Logger

	mu     sync.Mutex
	states map[int]*cpuState
}

// New builds a scheduler that fires onFire (or onMigrate, on a detected
// migration) every interval, using clock and affinity as its primitives.
// logger defaults to slog.Default() if nil.
func New(clock Clock, affinity Affinity, interval time.Duration, onFire Callback, onMigrate MigrationHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:      clock,
		affinity:   affinity,
		intervalNs: interval.Nanoseconds(),
		onFire:     onFire,
		onMigrate:  onMigrate,
		logger:     logger,
		states:     make(map[int]*cpuState),
	}
}

// alignedDeadline returns the next k*interval boundary strictly after now,
// aligned to the monotonic clock's epoch; a now that already lies on a
// boundary yields now+interval.
func alignedDeadline(nowNs, intervalNs int64) int64 {
	if intervalNs <= 0 {
		return nowNs
	}
	rem := nowNs % intervalNs
	if rem == 0 {
		return nowNs + intervalNs
	}
	return nowNs - rem + intervalNs
}

// negotiate selects an arming mode for cpu based on what Affinity can do.
// Pinning success is ModeModern; a platform that can at least identify the
// current CPU without pinning is ModeIntermediate; one that can do neither
// still gets ModeLegacy (migration detection disabled) rather than an error.
//
// Must be called from the goroutine that will actually fire cpu's timer —
// Pin's effect (an OS-thread lock and affinity mask) belongs to whichever
// thread calls it, so calling this from any other goroutine (e.g. the one
// that called Arm) pins the wrong thread and leaves the real firing
// goroutine unpinned, defeating migration detection in ModeModern.
func (s *Scheduler) negotiate(cpu int) Mode {
	if err := s.affinity.Pin(cpu); err == nil {
		return ModeModern
	}
	if _, ok := s.affinity.CurrentCPU(); ok {
		return ModeIntermediate
	}
	return ModeLegacy
}

// Arm registers cpu's timer state and computes its first aligned deadline,
// without starting the background firing loop and without touching CPU
// affinity. Mode negotiation happens lazily, on cpu's first firing (via
// Start's goroutine, or directly via Tick in tests) — never here, since
// Arm's caller is not necessarily the goroutine that will go on to fire.
func (s *Scheduler) Arm(cpu int) {
	now := s.clock.NowNs()
	st := &cpuState{
		pinnedCPU:      cpu,
		nextDeadlineNs: alignedDeadline(now, s.intervalNs),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	s.mu.Lock()
	s.states[cpu] = st
	s.mu.Unlock()
}

// Start launches cpu's background firing loop: sleep to the next deadline,
// fire, repeat, until Destroy is called. cpu must already be armed.
func (s *Scheduler) Start(cpu int) {
	s.mu.Lock()
	st := s.states[cpu]
	s.mu.Unlock()
	if st == nil {
		panic(fmt.Sprintf("synctimer: Start on unarmed cpu %d", cpu))
	}
	st.mu.Lock()
	st.started = true
	st.mu.Unlock()
	go s.run(cpu, st)
}

// run is the per-CPU goroutine loop: sleep to the next deadline, fire,
// compute the following deadline, repeat until stop is closed. This
// goroutine (not Arm's caller) negotiates cpu's arming mode on its first
// iteration, so that a successful Pin lands on the thread that will
// actually be checked against CurrentCPU() in fire.
func (s *Scheduler) run(cpu int, st *cpuState) {
	defer close(st.done)
	for {
		select {
		case <-st.stop:
			return
		default:
		}
		s.clock.SleepUntilNs(st.nextDeadlineNs)
		select {
		case <-st.stop:
			return
		default:
		}
		s.fire(cpu, st)
	}
}

// ensureNegotiated negotiates cpu's arming mode exactly once, on whichever
// goroutine first fires it (run's loop in production, Tick's caller in
// tests). Safe to call on every fire; it is a no-op after the first.
func (s *Scheduler) ensureNegotiated(cpu int, st *cpuState) {
	st.mu.Lock()
	if st.negotiated {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	mode := s.negotiate(cpu)

	st.mu.Lock()
	st.mode = mode
	st.negotiated = true
	st.mu.Unlock()

	s.logger.Info("synctimer arming mode negotiated", "cpu", cpu, "mode", mode.String())
}

// fire runs exactly one tick's worth of logic: negotiation (if not already
// done), migration check, deadline advance, and the appropriate callback.
// Exported indirectly via Tick for deterministic, goroutine-free tests.
//
// The next deadline and tick number are both derived from the clock's
// actual reading at fire time, not from the previously scheduled deadline:
// a stall or overrun collapses any missed ticks into a single future one
// (spec.md §4.3: "missed ticks collapse to a single future tick … max(last_tick+1,
// now/interval)") rather than firing a catch-up burst that drifts behind
// real time.
func (s *Scheduler) fire(cpu int, st *cpuState) {
	s.ensureNegotiated(cpu, st)

	nowNs := s.clock.NowNs()

	st.mu.Lock()
	mode := st.mode
	pinned := st.pinnedCPU

	tick := st.lastTick + 1
	if s.intervalNs > 0 {
		if elapsed := uint64(nowNs / s.intervalNs); elapsed > tick {
			tick = elapsed
		}
	}
	st.lastTick = tick
	st.nextDeadlineNs = alignedDeadline(nowNs, s.intervalNs)
	st.mu.Unlock()

	actual := pinned
	migrated := false
	if mode != ModeLegacy {
		if cur, ok := s.affinity.CurrentCPU(); ok {
			actual = cur
			migrated = cur != pinned
		}
	}

	if migrated {
		if s.onMigrate != nil {
			s.onMigrate(pinned, actual, nowNs)
		}
		return
	}
	if s.onFire != nil {
		s.onFire(cpu, tick, nowNs)
	}
}

// Tick drives one synchronous firing for cpu at the clock's current time,
// bypassing the goroutine/sleep loop entirely. It is the deterministic
// entry point used by tests (and by a caller that wants to drive the
// scheduler from its own event loop instead of background goroutines). As
// the caller is the one "firing" the timer, it is also the one that
// negotiates cpu's arming mode, on first use.
func (s *Scheduler) Tick(cpu int) {
	s.mu.Lock()
	st := s.states[cpu]
	s.mu.Unlock()
	if st == nil {
		panic(fmt.Sprintf("synctimer: Tick on unarmed cpu %d", cpu))
	}
	s.fire(cpu, st)
}

// NextDeadline returns cpu's next scheduled firing time, for test assertions.
func (s *Scheduler) NextDeadline(cpu int) int64 {
	s.mu.Lock()
	st := s.states[cpu]
	s.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextDeadlineNs
}

// Mode reports cpu's negotiated arming mode. Before the first firing this
// is the zero value (ModeModern) since negotiation has not happened yet.
func (s *Scheduler) Mode(cpu int) Mode {
	s.mu.Lock()
	st := s.states[cpu]
	s.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mode
}

// Destroy cancels every armed CPU's timer and waits for its goroutine to
// return, per spec.md §4.5's engine-teardown cancellation semantics.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	states := make([]*cpuState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.states = make(map[int]*cpuState)
	s.mu.Unlock()

	for _, st := range states {
		close(st.stop)
	}
	for _, st := range states {
		st.mu.Lock()
		started := st.started
		st.mu.Unlock()
		if started {
			<-st.done
		}
	}
}
