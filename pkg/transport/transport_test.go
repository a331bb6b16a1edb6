package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ETP-O: messages emitted by a single CPU are received in emission order.
func TestTransport_PerCPUOrderPreserved(t *testing.T) {
	tr := New(2, 8)

	for i := 0; i < 5; i++ {
		msg := TaskFreeMsg{TimestampNs: int64(i), PID: uint32(i)}
		ok := tr.Emit(0, Encode(msg))
		require.True(t, ok)
	}

	ch := tr.Subscribe(0)
	for i := 0; i < 5; i++ {
		frame := <-ch
		got := DecodeTaskFree(frame)
		assert.Equal(t, uint32(i), got.PID)
	}
}

func TestTransport_OverflowDropsNewestAndCounts(t *testing.T) {
	tr := New(1, 2)

	assert.True(t, tr.Emit(0, Encode(TaskFreeMsg{PID: 1})))
	assert.True(t, tr.Emit(0, Encode(TaskFreeMsg{PID: 2})))
	assert.False(t, tr.Emit(0, Encode(TaskFreeMsg{PID: 3}))) // queue full, dropped

	assert.Equal(t, uint64(1), tr.Dropped(0))

	ch := tr.Subscribe(0)
	first := DecodeTaskFree(<-ch)
	second := DecodeTaskFree(<-ch)
	assert.Equal(t, uint32(1), first.PID)
	assert.Equal(t, uint32(2), second.PID)
}

func TestTransport_IndependentPerCPUQueues(t *testing.T) {
	tr := New(2, 4)
	require.True(t, tr.Emit(0, Encode(TaskFreeMsg{PID: 10})))
	require.True(t, tr.Emit(1, Encode(TaskFreeMsg{PID: 20})))

	got0 := DecodeTaskFree(<-tr.Subscribe(0))
	got1 := DecodeTaskFree(<-tr.Subscribe(1))
	assert.Equal(t, uint32(10), got0.PID)
	assert.Equal(t, uint32(20), got1.PID)
}

func TestEncodeDecode_TaskMetadata_RoundTrip(t *testing.T) {
	msg := TaskMetadataMsg{TimestampNs: 123456789, PID: 42, Comm: "worker", CgroupID: 9001}
	frame := Encode(msg)

	h := DecodeHeader(frame)
	assert.Equal(t, uint32(len(frame)), h.Size)
	assert.Equal(t, TaskMetadata, h.Type)
	assert.Equal(t, int64(123456789), h.TimestampNs)

	got := DecodeTaskMetadata(frame)
	assert.Equal(t, msg, got)
}

func TestEncodeDecode_TaskMetadata_CommTruncatedAndNULPadded(t *testing.T) {
	msg := TaskMetadataMsg{PID: 1, Comm: "a-very-long-process-name-indeed", CgroupID: 1}
	frame := Encode(msg)
	got := DecodeTaskMetadata(frame)
	assert.LessOrEqual(t, len(got.Comm), TaskCommLen-1)
	assert.Equal(t, "a-very-long-pro", got.Comm)
}

func TestEncodeDecode_PerfMeasurement_RoundTrip(t *testing.T) {
	msg := PerfMeasurementMsg{
		TimestampNs: 42, PID: 7,
		CyclesDelta: 1100, InstructionsDelta: 2100, LLCMissesDelta: 15,
		CacheRefsDelta: 115, TimeDeltaNs: 1_000_000,
		IsContextSwitch: 1, NextTGID: 55,
	}
	frame := Encode(msg)
	got := DecodePerfMeasurement(frame)
	assert.Equal(t, msg, got)
}

func TestEncodeDecode_TimerMigration_RoundTrip(t *testing.T) {
	msg := TimerMigrationMsg{TimestampNs: 99, ExpectedCPU: 0, ActualCPU: 1}
	frame := Encode(msg)
	got := DecodeTimerMigration(frame)
	assert.Equal(t, msg, got)
}

func TestEncode_TaskFree_HeaderSizeMatchesFrameLength(t *testing.T) {
	frame := Encode(TaskFreeMsg{TimestampNs: 5, PID: 3})
	h := DecodeHeader(frame)
	assert.EqualValues(t, len(frame), h.Size)
	assert.Equal(t, TaskFree, h.Type)
}

func TestEncode_TimerFinishedProcessing_EmptyPayload(t *testing.T) {
	frame := Encode(TimerFinishedMsg{TimestampNs: 77})
	h := DecodeHeader(frame)
	assert.Equal(t, TimerFinishedProcessing, h.Type)
	assert.Equal(t, int64(77), h.TimestampNs)
	assert.Len(t, frame, 16)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "TASK_METADATA", TaskMetadata.String())
	assert.Equal(t, "PERF_MEASUREMENT", PerfMeasurement.String())
	assert.Equal(t, "UNKNOWN", Type(99).String())
}
