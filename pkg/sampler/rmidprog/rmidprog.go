// Package rmidprog implements sampler.RMIDProgrammer: writing an
// RMID/CLOSID pair to the current CPU's resource-monitoring association
// register, per spec.md §4.5 ("program the CPU's RMID MSR").
package rmidprog

// NoopProgrammer discards every write. Used on platforms/tests without the
// MSR device or CAP_SYS_RAWIO, and wherever useHardwareRMID is false.
type NoopProgrammer struct{}

func (NoopProgrammer) ProgramRMID(cpu int, rmid, closid uint32) error { return nil }
