package rmid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_RejectsZeroAndOversizedMax(t *testing.T) {
	a := New()
	require.ErrorIs(t, a.Init(0, 1000), ErrInvalidMax)
	require.ErrorIs(t, a.Init(Capacity+1, 1000), ErrInvalidMax)
}

// RA-O: after init(N, q), N successive allocations with sufficiently
// advanced timestamps succeed in insertion order 1..N; the N+1th fails.
func TestAllocate_OrderAndExhaustion(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(3, 1000))

	for i := uint32(1); i <= 3; i++ {
		id, err := a.Allocate("p", int(i), 10_000)
		require.NoError(t, err)
		assert.Equal(t, i, id, "allocation order must be FIFO insertion order")
	}

	_, err := a.Allocate("p", 99, 10_000)
	require.ErrorIs(t, err, ErrCapacity)
}

// RA-F: allocate returns each id at most once without an intervening free.
func TestAllocate_NeverDoubleAllocates(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(2, 0))

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		id, err := a.Allocate("p", i, int64(i)*1000)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
}

// RA-Q: allocate(t2) returning id r after free(r, t1) implies t2-t1 >= min_free_time_ns.
func TestAllocate_RespectsQuarantine(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(1, 2_000_000))

	id, err := a.Allocate("a", 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	a.Free(id, 1_000_000)

	_, err = a.Allocate("b", 2, 2_500_000) // only 1.5ms since free
	require.ErrorIs(t, err, ErrQuarantined)

	_, err = a.Allocate("b", 2, 2_999_999)
	require.ErrorIs(t, err, ErrQuarantined)

	got, err := a.Allocate("b", 2, 3_000_000) // exactly 2ms since free
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)
}

// Seed scenario 2 from spec.md §8.
func TestAllocate_QuarantineScenario(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(2, 2_000_000))

	id, err := a.Allocate("A", 1, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	id, err = a.Allocate("B", 2, 1_100_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	_, err = a.Allocate("C", 3, 1_200_000)
	require.ErrorIs(t, err, ErrCapacity)

	a.Free(1, 1_300_000)

	_, err = a.Allocate("C", 3, 1_300_000)
	require.ErrorIs(t, err, ErrQuarantined)

	id, err = a.Allocate("C", 3, 3_300_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestFree_NoopOnInvalidOrAlreadyFree(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(2, 0))

	a.Free(Invalid, 100) // no-op, must not panic
	a.Free(99, 100)      // out of range, no-op

	id, err := a.Allocate("x", 1, 0)
	require.NoError(t, err)
	a.Free(id, 50)
	a.Free(id, 60) // already free; second free must be a no-op

	info, ok := a.Info(id)
	require.True(t, ok)
	assert.Equal(t, Free, info.State)
	// the repeated free leaves the id free, not re-allocated
	assert.False(t, a.IsAllocated(id))
}

func TestInfo_ReflectsCurrentBinding(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(1, 0))

	id, err := a.Allocate("worker", 42, 0)
	require.NoError(t, err)

	info, ok := a.Info(id)
	require.True(t, ok)
	assert.Equal(t, "worker", info.Comm)
	assert.Equal(t, 42, info.TGID)
	assert.Equal(t, Allocated, info.State)
	assert.True(t, a.IsAllocated(id))

	a.Free(id, 1)
	info, ok = a.Info(id)
	require.True(t, ok)
	assert.Equal(t, 0, info.TGID)
	assert.Equal(t, Free, info.State)
}

func TestInfo_InvalidID(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(1, 0))
	_, ok := a.Info(Invalid)
	assert.False(t, ok)
	_, ok = a.Info(77)
	assert.False(t, ok)
}

type recordingObserver struct {
	allocs, frees, existing int
}

func (r *recordingObserver) OnAlloc(uint32, string, int, int64)   { r.allocs++ }
func (r *recordingObserver) OnFree(uint32, int64)                 { r.frees++ }
func (r *recordingObserver) OnExisting(uint32, string, int, int64) { r.existing++ }

func TestDumpExisting_EmitsOnlyAllocated(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(3, 0))
	obs := &recordingObserver{}
	a.SetObserver(obs)

	_, err := a.Allocate("a", 1, 0)
	require.NoError(t, err)
	_, err = a.Allocate("b", 2, 0)
	require.NoError(t, err)

	a.DumpExisting(1000)
	assert.Equal(t, 2, obs.existing)
}

func TestTeardown_FreesEveryAllocatedID(t *testing.T) {
	a := New()
	require.NoError(t, a.Init(3, 0))
	obs := &recordingObserver{}
	a.SetObserver(obs)

	_, err := a.Allocate("a", 1, 0)
	require.NoError(t, err)
	_, err = a.Allocate("b", 2, 0)
	require.NoError(t, err)

	a.Teardown(5000)
	assert.Equal(t, 2, obs.frees)
	assert.False(t, a.IsAllocated(1))
	assert.False(t, a.IsAllocated(2))
}
