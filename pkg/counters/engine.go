// Package counters implements the Counter-Delta Engine (CDE): per-CPU state
// that converts free-running 64-bit hardware counter reads into per-interval
// deltas, per spec.md §4.1.
package counters

// Source exposes the four per-CPU hardware counters the engine samples.
// Implementations read opaque, monotonically-increasing 64-bit values; the
// driver/MSR programming behind them is out of scope for this engine
// (spec.md §1).
type Source interface {
	ReadCycles(cpu int) (uint64, error)
	ReadInstructions(cpu int) (uint64, error)
	ReadLLCMisses(cpu int) (uint64, error)
	ReadCacheReferences(cpu int) (uint64, error)
}

// Measurement is the per-interval delta tuple emitted by Sample.
type Measurement struct {
	CyclesDelta       uint64
	InstructionsDelta uint64
	LLCMissesDelta    uint64
	CacheRefsDelta    uint64
	TimeDeltaNs       uint64
}

type cpuState struct {
	lastCycles       uint64
	lastInstructions uint64
	lastLLCMisses    uint64
	lastCacheRefs    uint64
	lastTimestampNs  int64
	seeded           bool // false means "uninitialized" (post-reset)
}

// Engine holds one cpuState per online CPU and a Source to read from.
type Engine struct {
	src    Source
	states []cpuState
}

// NewEngine allocates an engine for numCPU CPUs, backed by src.
func NewEngine(src Source, numCPU int) *Engine {
	return &Engine{src: src, states: make([]cpuState, numCPU)}
}

// Reset zeroes cpu's state; the next call to Sample for this cpu will seed
// the state and emit no measurement (spec.md §4.1, §3 "Per-CPU CDE state").
func (e *Engine) Reset(cpu int) {
	e.states[cpu] = cpuState{}
}

// Sample reads each enabled counter and the clock, computes
// delta = (current - previous) mod 2^64 via ordinary unsigned-wraparound
// subtraction, and returns a Measurement — unless this is the first sample
// since Reset, in which case it only seeds the state and returns (false).
//
// A counter read that fails contributes 0 to its delta and does not update
// that counter's stored previous value; time and the other counters still
// advance.
func (e *Engine) Sample(cpu int, nowNs int64) (Measurement, bool) {
	st := &e.states[cpu]

	var m Measurement

	if v, err := e.src.ReadCycles(cpu); err == nil {
		m.CyclesDelta = v - st.lastCycles
		st.lastCycles = v
	}
	if v, err := e.src.ReadInstructions(cpu); err == nil {
		m.InstructionsDelta = v - st.lastInstructions
		st.lastInstructions = v
	}
	if v, err := e.src.ReadLLCMisses(cpu); err == nil {
		m.LLCMissesDelta = v - st.lastLLCMisses
		st.lastLLCMisses = v
	}
	if v, err := e.src.ReadCacheReferences(cpu); err == nil {
		m.CacheRefsDelta = v - st.lastCacheRefs
		st.lastCacheRefs = v
	}

	first := !st.seeded
	if !first {
		m.TimeDeltaNs = uint64(nowNs - st.lastTimestampNs)
	}
	st.lastTimestampNs = nowNs
	st.seeded = true

	if first {
		return Measurement{}, false
	}
	return m, true
}
