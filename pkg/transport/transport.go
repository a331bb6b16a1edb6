package transport

import "sync/atomic"

// DefaultQueueDepth is the per-CPU channel capacity, standing in for the
// reference design's per-CPU ring buffer size.
const DefaultQueueDepth = 4096

// Transport is a set of per-CPU single-producer channels drained by one
// consumer. Producers never block: on a full queue the newest frame is
// dropped and counted (spec.md §4.4/§5). Ordering is preserved only within
// a single CPU's production order; the consumer must merge across CPUs
// using each frame's timestamp.
type Transport struct {
	queues  []chan []byte
	dropped []atomic.Uint64
}

// New allocates a Transport with one queue per CPU, each of the given
// depth (DefaultQueueDepth if depth <= 0).
func New(numCPU int, depth int) *Transport {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	t := &Transport{
		queues:  make([]chan []byte, numCPU),
		dropped: make([]atomic.Uint64, numCPU),
	}
	for i := range t.queues {
		t.queues[i] = make(chan []byte, depth)
	}
	return t
}

// Emit enqueues frame onto cpu's queue without blocking. If the queue is
// full, frame is dropped and the per-CPU drop counter is incremented.
// Reports whether the frame was enqueued.
func (t *Transport) Emit(cpu int, frame []byte) bool {
	select {
	case t.queues[cpu] <- frame:
		return true
	default:
		t.dropped[cpu].Add(1)
		return false
	}
}

// Dropped returns the number of frames dropped on cpu's queue so far.
func (t *Transport) Dropped(cpu int) uint64 {
	return t.dropped[cpu].Load()
}

// Subscribe returns the receive side of cpu's queue, in per-CPU production
// order. Callers merge across CPUs themselves (e.g. by timestamp_ns).
func (t *Transport) Subscribe(cpu int) <-chan []byte {
	return t.queues[cpu]
}

// NumCPU returns the number of per-CPU queues.
func (t *Transport) NumCPU() int {
	return len(t.queues)
}
