// Package sampler implements the Sampling Coordinator (SC): it orchestrates
// the RMID allocator, tick scheduler, counter-delta engine, and transport so
// that task lifecycle events turn into the wire protocol's messages, per
// spec.md §4.5.
package sampler

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coretap/coretap/pkg/counters"
	"github.com/coretap/coretap/pkg/rmid"
	"github.com/coretap/coretap/pkg/transport"
)

// Task is the coordinator's view of a schedulable entity.
type Task struct {
	PID, TGID int
	Comm      string
	RMID      uint32
	IsKernel  bool
}

// IsGroupLeader reports whether this task is its thread-group's leader.
func (t Task) IsGroupLeader() bool { return t.PID == t.TGID }

// TaskSource reports the task currently running on a CPU.
type TaskSource interface {
	CurrentTask(cpu int) (Task, bool)
}

// CgroupIDSource reports the cgroup id of whatever is currently executing
// on a CPU — meaningful only from that CPU's current context (spec.md
// §4.5, "metadata-gate rationale").
type CgroupIDSource interface {
	CurrentCgroupID(cpu int) uint64
}

// RMIDProgrammer writes an RMID/CLOSID pair to the current CPU's
// association MSR.
type RMIDProgrammer interface {
	ProgramRMID(cpu int, rmid, closid uint32) error
}

// Coordinator holds no state of its own beyond references to its four
// collaborators and the per-task bookkeeping spec.md §3 describes as
// "stored adjacent to the task".
type Coordinator struct {
	ra      *rmid.Allocator
	cde     *counters.Engine
	etp     *transport.Transport
	tasks   TaskSource
	cgroups CgroupIDSource
	prog    RMIDProgrammer

	useHardwareRMID bool
	logger          *slog.Logger

	reported sync.Map // tgid int -> *atomic.Bool, metadata-reported flag
	leaders  sync.Map // tgid int -> Task, group-leader identity
	exited   sync.Map // pid int -> struct{}, exited-leaders set
}

// New wires a Coordinator from its four core collaborators plus the
// task-identity and RMID-programming collaborators spec.md §6 names.
// useHardwareRMID gates whether task-switch actually reprograms the RMID
// MSR (spec.md §4.5: "and hardware RMIDs are in use").
func New(ra *rmid.Allocator, cde *counters.Engine, etp *transport.Transport, tasks TaskSource, cgroups CgroupIDSource, prog RMIDProgrammer, useHardwareRMID bool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ra: ra, cde: cde, etp: etp,
		tasks: tasks, cgroups: cgroups, prog: prog,
		useHardwareRMID: useHardwareRMID,
		logger:          logger,
	}
}

func (c *Coordinator) flagFor(tgid int) *atomic.Bool {
	v, _ := c.reported.LoadOrStore(tgid, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// checkAndSendMetadata performs the metadata-emit gate: CAS the
// group-leader's reported flag 0->1, and on success emit TASK_METADATA
// with the leader's pid/comm but the *current* context's cgroup id.
func (c *Coordinator) checkAndSendMetadata(cpu int, current Task, nowNs int64) {
	flag := c.flagFor(current.TGID)
	if !flag.CompareAndSwap(false, true) {
		return
	}

	leader := current
	if v, ok := c.leaders.Load(current.TGID); ok {
		leader = v.(Task)
	}

	cgroupID := c.cgroups.CurrentCgroupID(cpu)
	frame := transport.Encode(transport.TaskMetadataMsg{
		TimestampNs: nowNs,
		PID:         uint32(leader.PID),
		Comm:        leader.Comm,
		CgroupID:    cgroupID,
	})
	if !c.etp.Emit(cpu, frame) {
		c.logger.Warn("etp drop", "type", "TASK_METADATA", "cpu", cpu, "tgid", current.TGID)
	}
}

func (c *Coordinator) emitPerf(cpu int, pid int, m counters.Measurement, nowNs int64, isContextSwitch uint32, nextTGID uint32) {
	frame := transport.Encode(transport.PerfMeasurementMsg{
		TimestampNs:       nowNs,
		PID:               uint32(pid),
		CyclesDelta:       m.CyclesDelta,
		InstructionsDelta: m.InstructionsDelta,
		LLCMissesDelta:    m.LLCMissesDelta,
		CacheRefsDelta:    m.CacheRefsDelta,
		TimeDeltaNs:       m.TimeDeltaNs,
		IsContextSwitch:   isContextSwitch,
		NextTGID:          nextTGID,
	})
	if !c.etp.Emit(cpu, frame) {
		c.logger.Warn("etp drop", "type", "PERF_MEASUREMENT", "cpu", cpu, "pid", pid)
	}
}

// OnTick handles an STS firing on cpu where pinned_cpu == current_cpu
// (spec.md §4.5, "On timer tick").
func (c *Coordinator) OnTick(cpu int, nowNs int64) {
	current, ok := c.tasks.CurrentTask(cpu)
	if !ok {
		return
	}

	c.checkAndSendMetadata(cpu, current, nowNs)

	if m, sampled := c.cde.Sample(cpu, nowNs); sampled {
		c.emitPerf(cpu, current.TGID, m, nowNs, 0, 0)
	}

	if !c.etp.Emit(cpu, transport.Encode(transport.TimerFinishedMsg{TimestampNs: nowNs})) {
		c.logger.Warn("etp drop", "type", "TIMER_FINISHED_PROCESSING", "cpu", cpu)
	}
}

// OnSwitch handles a context switch from prev to next on cpu (spec.md §4.5,
// "On task-switch"). next is the task now running — the "current" task for
// the repeated metadata gate.
func (c *Coordinator) OnSwitch(cpu int, prev, next Task, nowNs int64) {
	c.checkAndSendMetadata(cpu, next, nowNs)

	if m, sampled := c.cde.Sample(cpu, nowNs); sampled {
		c.emitPerf(cpu, next.TGID, m, nowNs, 1, uint32(next.TGID))
	}

	if c.useHardwareRMID && prev.RMID != next.RMID && c.prog != nil {
		if err := c.prog.ProgramRMID(cpu, next.RMID, 0); err != nil {
			c.logger.Warn("program rmid failed", "cpu", cpu, "rmid", next.RMID, "err", err)
		}
	}
}

// OnFork handles process creation. If child is a group-leader and not a
// kernel thread, it is allocated a fresh RMID; otherwise it inherits its
// group-leader's RMID. Returns child with RMID populated.
func (c *Coordinator) OnFork(parent, child Task, nowNs int64) Task {
	if child.IsGroupLeader() && !child.IsKernel {
		id, err := c.ra.Allocate(child.Comm, child.TGID, nowNs)
		if err != nil {
			child.RMID = rmid.Invalid
		} else {
			child.RMID = id
		}
		c.leaders.Store(child.TGID, child)
		return child
	}

	if v, ok := c.leaders.Load(parent.TGID); ok {
		child.RMID = v.(Task).RMID
	} else {
		child.RMID = parent.RMID
	}
	return child
}

// OnExit handles task exit: if task is its own group-leader, it is added to
// the exited-leaders set, awaiting the matching Free.
func (c *Coordinator) OnExit(task Task) {
	if task.IsGroupLeader() {
		c.exited.Store(task.PID, struct{}{})
	}
}

// OnFree handles final task teardown. If task.PID is in the exited-leaders
// set (i.e. it was a group-leader that has since exited and is now being
// reaped), its RMID is freed and a TASK_FREE message is emitted on cpu.
func (c *Coordinator) OnFree(cpu int, task Task, nowNs int64) {
	if _, ok := c.exited.Load(task.PID); !ok {
		return
	}
	c.exited.Delete(task.PID)
	c.leaders.Delete(task.TGID)
	c.reported.Delete(task.TGID)
	c.ra.Free(task.RMID, nowNs)

	frame := transport.Encode(transport.TaskFreeMsg{TimestampNs: nowNs, PID: uint32(task.PID)})
	if !c.etp.Emit(cpu, frame) {
		c.logger.Warn("etp drop", "type", "TASK_FREE", "cpu", cpu, "pid", task.PID)
	}
}

// Destroy tears down the coordinator's shared RMID state, emitting a
// synthetic free for every still-allocated id (spec.md §5, cancellation
// semantics). STS and per-CPU ETP teardown are the caller's responsibility.
func (c *Coordinator) Destroy(nowNs int64) {
	c.ra.Teardown(nowNs)
}
