//go:build linux

package counters

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// perfCounter identifies one of the four hardware events this engine reads.
type perfCounter int

const (
	perfCycles perfCounter = iota
	perfInstructions
	perfLLCMisses
	perfCacheReferences
)

func (c perfCounter) attr() unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Type: unix.PERF_TYPE_HARDWARE,
		Size: uint32(unsafeSizeofPerfEventAttr),
	}
	switch c {
	case perfCycles:
		attr.Config = unix.PERF_COUNT_HW_CPU_CYCLES
	case perfInstructions:
		attr.Config = unix.PERF_COUNT_HW_INSTRUCTIONS
	case perfLLCMisses:
		attr.Config = unix.PERF_COUNT_HW_CACHE_MISSES
	case perfCacheReferences:
		attr.Config = unix.PERF_COUNT_HW_CACHE_REFERENCES
	}
	return attr
}

const unsafeSizeofPerfEventAttr = 120 // sizeof(struct perf_event_attr), ABI-stable prefix

// PerfEventSource reads the four hardware counters through perf_event_open,
// one file descriptor per CPU per counter, pinned to that CPU and to no
// particular process (pid == -1), per spec.md §4.1.
type PerfEventSource struct {
	mu  sync.Mutex
	fds map[perfCounter][]int // fds[counter][cpu]
}

// NewPerfEventSource opens all 4*numCPU counters. On any failure it closes
// whatever it already opened and returns the error.
func NewPerfEventSource(numCPU int) (*PerfEventSource, error) {
	s := &PerfEventSource{fds: make(map[perfCounter][]int)}
	counters := []perfCounter{perfCycles, perfInstructions, perfLLCMisses, perfCacheReferences}
	for _, c := range counters {
		fds := make([]int, numCPU)
		s.fds[c] = fds
		for cpu := 0; cpu < numCPU; cpu++ {
			attr := c.attr()
			fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, 0)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("counters: perf_event_open(counter=%d, cpu=%d): %w", c, cpu, err)
			}
			fds[cpu] = fd
		}
	}
	return s, nil
}

func (s *PerfEventSource) read(c perfCounter, cpu int) (uint64, error) {
	s.mu.Lock()
	fd := s.fds[c][cpu]
	s.mu.Unlock()

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], 0)
	if err != nil {
		return 0, fmt.Errorf("counters: pread counter=%d cpu=%d: %w", c, cpu, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("counters: short read (%d bytes) counter=%d cpu=%d", n, c, cpu)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *PerfEventSource) ReadCycles(cpu int) (uint64, error)          { return s.read(perfCycles, cpu) }
func (s *PerfEventSource) ReadInstructions(cpu int) (uint64, error)    { return s.read(perfInstructions, cpu) }
func (s *PerfEventSource) ReadLLCMisses(cpu int) (uint64, error)       { return s.read(perfLLCMisses, cpu) }
func (s *PerfEventSource) ReadCacheReferences(cpu int) (uint64, error) { return s.read(perfCacheReferences, cpu) }

// Close releases every open file descriptor. Safe to call more than once.
func (s *PerfEventSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, fds := range s.fds {
		for i, fd := range fds {
			if fd <= 0 {
				continue
			}
			if err := unix.Close(fd); err != nil && first == nil {
				first = err
			}
			fds[i] = 0
		}
	}
	return first
}
