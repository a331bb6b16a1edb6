package counters

import "errors"

// ErrNoMoreSamples is returned by a SyntheticSource once its per-CPU script
// of canned readings is exhausted.
var ErrNoMoreSamples = errors.New("counters: synthetic source exhausted")

// SyntheticReading is one canned counter reading. A nil/zero-valued field
// cannot express "read failed"; use SyntheticSource.FailCycles instead
// (only cycles-read failures can be scripted).
type SyntheticReading struct {
	Cycles, Instructions, LLCMisses, CacheRefs uint64
}

// SyntheticSource replays a fixed script of readings per CPU, grounded in
// the teacher's hand-built proc.Snapshot test fixtures
// (pkg/consumption/consumption_test.go). Used by engine and coordinator
// tests in place of real hardware counters.
type SyntheticSource struct {
	script [][]SyntheticReading // script[cpu][tick]
	idx    []int
	fail   map[[2]int]bool // (cpu, tick) -> force a read failure for that tick
}

// NewSyntheticSource builds a source with one reading script per CPU.
func NewSyntheticSource(perCPU [][]SyntheticReading) *SyntheticSource {
	return &SyntheticSource{
		script: perCPU,
		idx:    make([]int, len(perCPU)),
		fail:   make(map[[2]int]bool),
	}
}

// FailCycles marks the cpu's tick-th reading as a cycles-read failure.
func (s *SyntheticSource) FailCycles(cpu, tick int) {
	s.fail[[2]int{cpu, tick}] = true
}

func (s *SyntheticSource) next(cpu int) (SyntheticReading, int, error) {
	i := s.idx[cpu]
	if i >= len(s.script[cpu]) {
		return SyntheticReading{}, i, ErrNoMoreSamples
	}
	return s.script[cpu][i], i, nil
}

func (s *SyntheticSource) ReadCycles(cpu int) (uint64, error) {
	r, tick, err := s.next(cpu)
	if err != nil {
		return 0, err
	}
	if s.fail[[2]int{cpu, tick}] {
		return 0, errors.New("counters: synthetic cycles read failure")
	}
	return r.Cycles, nil
}

func (s *SyntheticSource) ReadInstructions(cpu int) (uint64, error) {
	r, _, err := s.next(cpu)
	if err != nil {
		return 0, err
	}
	return r.Instructions, nil
}

func (s *SyntheticSource) ReadLLCMisses(cpu int) (uint64, error) {
	r, _, err := s.next(cpu)
	if err != nil {
		return 0, err
	}
	return r.LLCMisses, nil
}

// ReadCacheReferences also advances the per-CPU cursor; callers sample all
// four counters together exactly once per tick (as Engine.Sample does), so
// the cursor advances once per Sample call.
func (s *SyntheticSource) ReadCacheReferences(cpu int) (uint64, error) {
	r, _, err := s.next(cpu)
	if err != nil {
		return 0, err
	}
	s.idx[cpu]++
	return r.CacheRefs, nil
}
