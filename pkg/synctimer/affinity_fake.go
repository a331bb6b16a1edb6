package synctimer

import (
	"errors"
	"sync"
)

var errPinFailed = errors.New("synctimer: fake pin failure")

// FakeAffinity lets tests script pin outcomes and the "actual" firing CPU
// per tick, to exercise STS-A (no migration) and STS-M (migration detected).
// Absent an override, CurrentCPU reports whatever CPU was most recently
// pinned, i.e. no migration.
type FakeAffinity struct {
	mu sync.Mutex

	pinFails     map[int]bool
	noCurrentCPU bool
	lastPinned   int
	override     *int
	pins         int // number of Pin calls observed, for negotiation-timing assertions
}

// NewFakeAffinity returns an affinity source where every Pin succeeds and
// CurrentCPU reports the most recently pinned CPU (no migration), until
// overridden.
func NewFakeAffinity() *FakeAffinity {
	return &FakeAffinity{pinFails: make(map[int]bool)}
}

// FailPin makes future Pin(cpu) calls fail, negotiating ModeIntermediate.
func (f *FakeAffinity) FailPin(cpu int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinFails[cpu] = true
}

// DisableCurrentCPU makes CurrentCPU always report !ok, negotiating
// ModeLegacy.
func (f *FakeAffinity) DisableCurrentCPU() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noCurrentCPU = true
}

// SetActualCPU makes the next CurrentCPU call report actual, simulating the
// timer firing on a different CPU than the one it was armed on.
func (f *FakeAffinity) SetActualCPU(actual int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.override = &actual
}

func (f *FakeAffinity) Pin(cpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins++
	if f.pinFails[cpu] {
		return errPinFailed
	}
	f.lastPinned = cpu
	return nil
}

func (f *FakeAffinity) CurrentCPU() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noCurrentCPU {
		return 0, false
	}
	if f.override != nil {
		cpu := *f.override
		f.override = nil
		return cpu, true
	}
	return f.lastPinned, true
}
