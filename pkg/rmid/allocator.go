// Package rmid implements the Resource-Monitoring-ID allocator: a
// fixed-capacity pool of opaque 32-bit ids handed out to processes so that
// hardware LLC-occupancy/MBM counters can be attributed to them, with a
// minimum-free-quarantine so two measurement windows never share a counter.
package rmid

import (
	"errors"
	"sync"
)

// Invalid is the reserved "unassigned" sentinel. It is never allocated.
const Invalid uint32 = 0

var (
	// ErrInvalidMax is returned by Init when max is 0 or exceeds Capacity.
	ErrInvalidMax = errors.New("rmid: max_rmid must be in [1, Capacity]")

	// ErrQuarantined is returned by Allocate when the oldest freed id has
	// not yet cleared its minimum-free-quarantine window.
	ErrQuarantined = errors.New("rmid: no id has cleared quarantine")

	// ErrCapacity is returned by Allocate when every id is already allocated.
	ErrCapacity = errors.New("rmid: pool exhausted")
)

// Capacity bounds the largest pool Init will accept, standing in for the
// compile-time array capacity of the reference kernel module.
const Capacity = 4096

// State is the lifecycle state of one id.
type State int

const (
	Free State = iota
	Allocated
)

type slot struct {
	rmid           uint32
	comm           string
	tgid           int
	lastFreeTimeNs int64
	state          State
}

// Info describes the current binding of an allocated (or just-freed) id.
type Info struct {
	RMID  uint32
	Comm  string
	TGID  int
	State State
}

// Observer receives allocator lifecycle events for observability (wired to
// log/slog by callers; see cmd/coretap).
type Observer interface {
	OnAlloc(rmid uint32, comm string, tgid int, nowNs int64)
	OnFree(rmid uint32, nowNs int64)
	OnExisting(rmid uint32, comm string, tgid int, nowNs int64)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) OnAlloc(uint32, string, int, int64)    {}
func (NopObserver) OnFree(uint32, int64)                  {}
func (NopObserver) OnExisting(uint32, string, int, int64) {}

// Allocator is the fixed-capacity RMID pool described in spec.md §4.2. It is
// safe for concurrent use; the single mutex stands in for the reference
// design's interrupt-safe spinlock (Go has no interrupt context to protect
// against, so a plain mutex is the correct translation).
type Allocator struct {
	mu sync.Mutex

	maxRMID       uint32
	minFreeTimeNs int64
	slots         []slot // indexed by id; slots[0] unused (Invalid)

	// freeQueue is a circular FIFO over slot ids, oldest-freed-first.
	freeQueue []uint32
	head      int // next to pop
	tail      int // next free write position
	size      int

	obs Observer
}

// New returns an allocator with a no-op observer. Use SetObserver to attach
// one before or after Init.
func New() *Allocator {
	return &Allocator{obs: NopObserver{}}
}

// SetObserver installs the observability sink. Safe to call at any time.
func (a *Allocator) SetObserver(obs Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if obs == nil {
		obs = NopObserver{}
	}
	a.obs = obs
}

// Init (re)populates the pool with ids 1..=max, each immediately eligible
// for allocation (their synthetic last-free-timestamp is backdated by
// minFreeTimeNs so that `now - lastFree >= minFreeTimeNs` holds from t=0).
func (a *Allocator) Init(max uint32, minFreeTimeNs int64) error {
	if max == 0 || max > Capacity {
		return ErrInvalidMax
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.maxRMID = max
	a.minFreeTimeNs = minFreeTimeNs
	a.slots = make([]slot, max+1)
	a.freeQueue = make([]uint32, max)
	a.head, a.tail, a.size = 0, 0, 0

	for i := uint32(1); i <= max; i++ {
		a.slots[i] = slot{
			rmid:           i,
			lastFreeTimeNs: -minFreeTimeNs,
			state:          Free,
		}
		a.pushFree(i)
	}
	return nil
}

func (a *Allocator) pushFree(id uint32) {
	a.freeQueue[a.tail%len(a.freeQueue)] = id
	a.tail++
	a.size++
}

func (a *Allocator) popFree() (uint32, bool) {
	if a.size == 0 {
		return 0, false
	}
	id := a.freeQueue[a.head%len(a.freeQueue)]
	a.head++
	a.size--
	return id, true
}

// Allocate binds an id to (comm, tgid) at time nowNs and returns it. It
// fails fast: only the FIFO head (the oldest-freed id) is ever examined,
// since by construction no other free id can be more eligible.
func (a *Allocator) Allocate(comm string, tgid int, nowNs int64) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size == 0 {
		return Invalid, ErrCapacity
	}

	head := a.freeQueue[a.head%len(a.freeQueue)]
	s := &a.slots[head]
	if nowNs-s.lastFreeTimeNs < a.minFreeTimeNs {
		return Invalid, ErrQuarantined
	}

	id, _ := a.popFree()
	s.comm = comm
	s.tgid = tgid
	s.state = Allocated

	a.obs.OnAlloc(id, comm, tgid, nowNs)
	return id, nil
}

// Free releases id back to the pool, stamping the free time that seeds its
// quarantine window. No-op for an invalid id or one already free.
func (a *Allocator) Free(id uint32, nowNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(id, nowNs)
}

func (a *Allocator) freeLocked(id uint32, nowNs int64) {
	if id == Invalid || id > a.maxRMID {
		return
	}
	s := &a.slots[id]
	if s.state == Free {
		return
	}
	s.tgid = 0
	s.comm = ""
	s.lastFreeTimeNs = nowNs
	s.state = Free
	a.pushFree(id)

	a.obs.OnFree(id, nowNs)
}

// IsAllocated reports whether id is currently bound.
func (a *Allocator) IsAllocated(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == Invalid || id > a.maxRMID {
		return false
	}
	return a.slots[id].state == Allocated
}

// Info returns the current binding of id.
func (a *Allocator) Info(id uint32) (Info, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == Invalid || id > a.maxRMID {
		return Info{}, false
	}
	s := a.slots[id]
	return Info{RMID: s.rmid, Comm: s.comm, TGID: s.tgid, State: s.state}, true
}

// DumpExisting walks the table and emits a synthetic OnExisting event for
// every currently-allocated id, implementing the administrative `dump`
// command from spec.md §6 (used to bootstrap consumers that attach after
// the engine is already running).
func (a *Allocator) DumpExisting(nowNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint32(1); i <= a.maxRMID; i++ {
		s := a.slots[i]
		if s.state == Allocated {
			a.obs.OnExisting(s.rmid, s.comm, s.tgid, nowNs)
		}
	}
}

// Teardown frees every still-allocated id, emitting a synthetic free event
// for each (spec.md §5, "frees RA, which on teardown emits a synthetic
// rmid_free for every still-allocated id").
func (a *Allocator) Teardown(nowNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint32(1); i <= a.maxRMID; i++ {
		if a.slots[i].state == Allocated {
			a.freeLocked(i, nowNs)
		}
	}
}

// MaxRMID returns the configured pool size.
func (a *Allocator) MaxRMID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxRMID
}
