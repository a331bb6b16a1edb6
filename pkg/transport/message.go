// Package transport implements the Event-Transport Protocol (ETP): a
// single-producer-per-CPU, consumer-agnostic channel carrying
// length-prefixed, tagged messages from the sampling engine to a userspace
// consumer, per spec.md §4.4.
package transport

import "encoding/binary"

// Type identifies a message's payload layout.
type Type uint32

const (
	TaskMetadata            Type = 1
	TaskFree                Type = 2
	TimerFinishedProcessing Type = 3
	PerfMeasurement         Type = 4
	TimerMigrationDetected  Type = 5
)

func (t Type) String() string {
	switch t {
	case TaskMetadata:
		return "TASK_METADATA"
	case TaskFree:
		return "TASK_FREE"
	case TimerFinishedProcessing:
		return "TIMER_FINISHED_PROCESSING"
	case PerfMeasurement:
		return "PERF_MEASUREMENT"
	case TimerMigrationDetected:
		return "TIMER_MIGRATION_DETECTED"
	default:
		return "UNKNOWN"
	}
}

// headerLen is sizeof(u32 size, u32 type, u64 timestamp_ns).
const headerLen = 4 + 4 + 8

// TaskCommLen matches TASK_COMM_LEN in the reference kernel module.
const TaskCommLen = 16

// TaskMetadataMsg is the TASK_METADATA payload.
type TaskMetadataMsg struct {
	TimestampNs int64
	PID         uint32
	Comm        string // truncated to TaskCommLen-1 bytes and NUL-padded to TaskCommLen on encode
	CgroupID    uint64
}

// TaskFreeMsg is the TASK_FREE payload.
type TaskFreeMsg struct {
	TimestampNs int64
	PID         uint32
}

// PerfMeasurementMsg is the PERF_MEASUREMENT payload.
type PerfMeasurementMsg struct {
	TimestampNs       int64
	PID               uint32
	CyclesDelta       uint64
	InstructionsDelta uint64
	LLCMissesDelta    uint64
	CacheRefsDelta    uint64
	TimeDeltaNs       uint64
	IsContextSwitch   uint32
	NextTGID          uint32
}

// TimerFinishedMsg is the (empty) TIMER_FINISHED_PROCESSING payload.
type TimerFinishedMsg struct {
	TimestampNs int64
}

// TimerMigrationMsg is the TIMER_MIGRATION_DETECTED payload.
type TimerMigrationMsg struct {
	TimestampNs int64
	ExpectedCPU uint32
	ActualCPU   uint32
}

func putHeader(buf []byte, typ Type, timestampNs int64) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(typ))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(timestampNs))
}

// Encode renders msg into a complete, size-prefixed wire frame. The
// concrete type of msg selects the message kind.
func Encode(msg any) []byte {
	switch m := msg.(type) {
	case TaskMetadataMsg:
		buf := make([]byte, headerLen+4+TaskCommLen+8)
		putHeader(buf, TaskMetadata, m.TimestampNs)
		off := headerLen
		binary.LittleEndian.PutUint32(buf[off:off+4], m.PID)
		off += 4
		n := copy(buf[off:off+TaskCommLen-1], m.Comm)
		for i := n; i < TaskCommLen; i++ {
			buf[off+i] = 0
		}
		off += TaskCommLen
		binary.LittleEndian.PutUint64(buf[off:off+8], m.CgroupID)
		return buf

	case TaskFreeMsg:
		buf := make([]byte, headerLen+4)
		putHeader(buf, TaskFree, m.TimestampNs)
		binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], m.PID)
		return buf

	case PerfMeasurementMsg:
		buf := make([]byte, headerLen+4+8*5+4+4)
		putHeader(buf, PerfMeasurement, m.TimestampNs)
		off := headerLen
		binary.LittleEndian.PutUint32(buf[off:off+4], m.PID)
		off += 4
		for _, v := range []uint64{m.CyclesDelta, m.InstructionsDelta, m.LLCMissesDelta, m.CacheRefsDelta, m.TimeDeltaNs} {
			binary.LittleEndian.PutUint64(buf[off:off+8], v)
			off += 8
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], m.IsContextSwitch)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:off+4], m.NextTGID)
		return buf

	case TimerFinishedMsg:
		buf := make([]byte, headerLen)
		putHeader(buf, TimerFinishedProcessing, m.TimestampNs)
		return buf

	case TimerMigrationMsg:
		buf := make([]byte, headerLen+4+4)
		putHeader(buf, TimerMigrationDetected, m.TimestampNs)
		off := headerLen
		binary.LittleEndian.PutUint32(buf[off:off+4], m.ExpectedCPU)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:off+4], m.ActualCPU)
		return buf

	default:
		panic("transport: unknown message type")
	}
}

// Header is the decoded fixed frame header.
type Header struct {
	Size        uint32
	Type        Type
	TimestampNs int64
}

// DecodeHeader parses the fixed header from the front of frame.
func DecodeHeader(frame []byte) Header {
	return Header{
		Size:        binary.LittleEndian.Uint32(frame[0:4]),
		Type:        Type(binary.LittleEndian.Uint32(frame[4:8])),
		TimestampNs: int64(binary.LittleEndian.Uint64(frame[8:16])),
	}
}

// DecodeTaskMetadata parses a TASK_METADATA frame's payload.
func DecodeTaskMetadata(frame []byte) TaskMetadataMsg {
	h := DecodeHeader(frame)
	off := headerLen
	pid := binary.LittleEndian.Uint32(frame[off : off+4])
	off += 4
	comm := frame[off : off+TaskCommLen]
	off += TaskCommLen
	cgroupID := binary.LittleEndian.Uint64(frame[off : off+8])
	return TaskMetadataMsg{TimestampNs: h.TimestampNs, PID: pid, Comm: cstring(comm), CgroupID: cgroupID}
}

// DecodeTaskFree parses a TASK_FREE frame's payload.
func DecodeTaskFree(frame []byte) TaskFreeMsg {
	h := DecodeHeader(frame)
	pid := binary.LittleEndian.Uint32(frame[headerLen : headerLen+4])
	return TaskFreeMsg{TimestampNs: h.TimestampNs, PID: pid}
}

// DecodePerfMeasurement parses a PERF_MEASUREMENT frame's payload.
func DecodePerfMeasurement(frame []byte) PerfMeasurementMsg {
	h := DecodeHeader(frame)
	off := headerLen
	pid := binary.LittleEndian.Uint32(frame[off : off+4])
	off += 4
	vals := make([]uint64, 5)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(frame[off : off+8])
		off += 8
	}
	isCtxSwitch := binary.LittleEndian.Uint32(frame[off : off+4])
	off += 4
	nextTGID := binary.LittleEndian.Uint32(frame[off : off+4])
	return PerfMeasurementMsg{
		TimestampNs:       h.TimestampNs,
		PID:               pid,
		CyclesDelta:       vals[0],
		InstructionsDelta: vals[1],
		LLCMissesDelta:    vals[2],
		CacheRefsDelta:    vals[3],
		TimeDeltaNs:       vals[4],
		IsContextSwitch:   isCtxSwitch,
		NextTGID:          nextTGID,
	}
}

// DecodeTimerMigration parses a TIMER_MIGRATION_DETECTED frame's payload.
func DecodeTimerMigration(frame []byte) TimerMigrationMsg {
	h := DecodeHeader(frame)
	off := headerLen
	expected := binary.LittleEndian.Uint32(frame[off : off+4])
	off += 4
	actual := binary.LittleEndian.Uint32(frame[off : off+4])
	return TimerMigrationMsg{TimestampNs: h.TimestampNs, ExpectedCPU: expected, ActualCPU: actual}
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
