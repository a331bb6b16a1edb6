package synctimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// STS-A: for a run of k successful firings with no migration, the deadline
// sequence is strictly d0, d0+interval, d0+2*interval, ...
func TestTick_DeadlineSequenceStrictlyIncreasesByInterval(t *testing.T) {
	clk := NewFakeClock(1_000_000_000) // aligned to 1s boundary
	aff := NewFakeAffinity()
	const interval = time.Second

	var fires []int64
	sched := New(clk, aff, interval, func(cpu int, tick uint64, nowNs int64) {
		fires = append(fires, nowNs)
	}, nil, nil)

	sched.Arm(0)

	d0 := sched.NextDeadline(0)
	assert.Equal(t, int64(2_000_000_000), d0)

	for i := 0; i < 3; i++ {
		clk.Set(sched.NextDeadline(0))
		sched.Tick(0)
	}

	require.Equal(t, ModeModern, sched.Mode(0))
	require.Len(t, fires, 3)
	assert.Equal(t, []int64{d0, d0 + 1e9, d0 + 2e9}, fires)
	assert.Equal(t, d0+3e9, sched.NextDeadline(0))
}

// STS-M: a firing where current_cpu != pinned_cpu emits a migration report
// and does not invoke the user callback for that tick.
func TestTick_MigrationSuppressesCallback(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()

	var fired []uint64
	var migrations [][2]int
	sched := New(clk, aff, time.Second,
		func(cpu int, tick uint64, nowNs int64) { fired = append(fired, tick) },
		func(expected, actual int, nowNs int64) { migrations = append(migrations, [2]int{expected, actual}) },
		nil,
	)

	sched.Arm(0)

	clk.Set(sched.NextDeadline(0))
	sched.Tick(0) // tick 1: normal

	aff.SetActualCPU(1)
	clk.Set(sched.NextDeadline(0))
	sched.Tick(0) // tick 2: migrated to cpu 1

	clk.Set(sched.NextDeadline(0))
	sched.Tick(0) // tick 3: back to normal (override consumed)

	require.Equal(t, []uint64{1, 3}, fired)
	require.Len(t, migrations, 1)
	assert.Equal(t, [2]int{0, 1}, migrations[0])
}

// Negotiation happens lazily on the first firing, not at Arm time, and it is
// performed by whichever goroutine fires — here, Tick's caller.
func TestTick_NegotiatesModeOnFirstFiringNotAtArm(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()

	sched := New(clk, aff, time.Second, nil, nil, nil)
	sched.Arm(0)

	// Before any firing, mode is the unnegotiated zero value.
	assert.Equal(t, ModeModern, sched.Mode(0))
	assert.Equal(t, 0, aff.pins, "Arm must not call Pin")

	clk.Set(sched.NextDeadline(0))
	sched.Tick(0)

	assert.Equal(t, 1, aff.pins, "first firing negotiates exactly once")
}

// Arming negotiates ModeIntermediate when pinning fails but CurrentCPU works.
func TestTick_NegotiatesIntermediateWhenPinFails(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()
	aff.FailPin(0)

	sched := New(clk, aff, time.Second, nil, nil, nil)
	sched.Arm(0)

	clk.Set(sched.NextDeadline(0))
	sched.Tick(0)

	assert.Equal(t, ModeIntermediate, sched.Mode(0))
}

// Arming negotiates ModeLegacy when neither pinning nor CPU identification
// work; migration detection is disabled in that mode.
func TestTick_NegotiatesLegacyWhenNoCurrentCPU(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()
	aff.FailPin(0)
	aff.DisableCurrentCPU()

	var fired int
	sched := New(clk, aff, time.Second, func(cpu int, tick uint64, nowNs int64) { fired++ }, nil, nil)
	sched.Arm(0)

	aff.SetActualCPU(99) // would be a migration in modern/intermediate mode
	clk.Set(sched.NextDeadline(0))
	sched.Tick(0)

	assert.Equal(t, ModeLegacy, sched.Mode(0))
	assert.Equal(t, 1, fired, "legacy mode never reports migration")
}

// spec.md §8 seed scenario 3: CPU-0's timer (intermediate mode) fires on
// CPU-1 at tick 5; tick 6 proceeds normally.
func TestTick_SeedScenario3_TimerMigration(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()
	aff.FailPin(0) // force ModeIntermediate for cpu 0

	var fired []uint64
	var migrations [][2]int
	sched := New(clk, aff, time.Millisecond,
		func(cpu int, tick uint64, nowNs int64) { fired = append(fired, tick) },
		func(expected, actual int, nowNs int64) { migrations = append(migrations, [2]int{expected, actual}) },
		nil,
	)
	sched.Arm(0)

	for i := 0; i < 4; i++ {
		clk.Set(sched.NextDeadline(0))
		sched.Tick(0)
	}
	require.Equal(t, ModeIntermediate, sched.Mode(0))

	aff.SetActualCPU(1)
	clk.Set(sched.NextDeadline(0))
	sched.Tick(0) // tick 5: migrated

	clk.Set(sched.NextDeadline(0))
	sched.Tick(0) // tick 6: normal again

	assert.Equal(t, []uint64{1, 2, 3, 4, 6}, fired)
	require.Len(t, migrations, 1)
	assert.Equal(t, [2]int{0, 1}, migrations[0])
}

// A stall between firings collapses any missed ticks into a single future
// one, derived from the clock's actual reading rather than drifting forward
// by one interval per fire call.
func TestFire_CollapsesMissedTicksAndReAlignsToRealClock(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()

	var fired []uint64
	var nowSeen []int64
	sched := New(clk, aff, time.Millisecond,
		func(cpu int, tick uint64, nowNs int64) {
			fired = append(fired, tick)
			nowSeen = append(nowSeen, nowNs)
		}, nil, nil)
	sched.Arm(0)

	d0 := sched.NextDeadline(0)
	clk.Set(d0)
	sched.Tick(0) // tick 1, on time

	// Simulate a 10ms stall: the clock jumps far past several missed
	// deadlines before the next fire is observed.
	stallNow := d0 + 10*int64(time.Millisecond)
	clk.Set(stallNow)
	sched.Tick(0)

	require.Len(t, fired, 2)
	assert.Equal(t, uint64(1), fired[0])
	assert.Equal(t, uint64(11), fired[1], "tick jumps to reflect elapsed intervals, not lastTick+1")
	assert.Equal(t, stallNow, nowSeen[1], "emitted nowNs is the actual clock reading, not the stale deadline")
	assert.Equal(t, alignedDeadline(stallNow, int64(time.Millisecond)), sched.NextDeadline(0),
		"re-arms to the next boundary after the real clock, not stallNow+interval")
}

func TestAlignedDeadline_RoundsUpToNextBoundary(t *testing.T) {
	assert.Equal(t, int64(1000), alignedDeadline(1, 1000))
	assert.Equal(t, int64(2000), alignedDeadline(1000, 1000))
	assert.Equal(t, int64(3000), alignedDeadline(2500, 1000))
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "modern", ModeModern.String())
	assert.Equal(t, "intermediate", ModeIntermediate.String())
	assert.Equal(t, "legacy", ModeLegacy.String())
}

func TestDestroy_StopsStartedLoopsAndReturns(t *testing.T) {
	clk := NewFakeClock(0)
	aff := NewFakeAffinity()
	sched := New(clk, aff, time.Millisecond, func(int, uint64, int64) {}, nil, nil)
	sched.Arm(0)
	sched.Start(0)

	done := make(chan struct{})
	go func() {
		sched.Destroy()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not return after stopping a started loop")
	}
}
