//go:build linux

package rmidprog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// msrPQRAssoc is MSR_IA32_PQR_ASSOC: bits 0-9 hold the RMID, bits 32-63
// hold the CLOSID, per the reference module's rdt_write_rmid_closid.
const msrPQRAssoc = 0xC8F

// MSRProgrammer writes RMID/CLOSID pairs via pwrite(2) on
// /dev/cpu/<n>/msr, grounded in original_source/module/rdt.c's
// rdt_write_rmid_closid (there done with wrmsr_safe from kernel context).
type MSRProgrammer struct {
	mu  sync.Mutex
	fds map[int]int // cpu -> open /dev/cpu/<n>/msr fd, opened lazily
}

// NewMSRProgrammer returns a programmer that lazily opens one fd per CPU
// it is asked to program.
func NewMSRProgrammer() *MSRProgrammer {
	return &MSRProgrammer{fds: make(map[int]int)}
}

func (p *MSRProgrammer) fdFor(cpu int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd, ok := p.fds[cpu]; ok {
		return fd, nil
	}
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("rmidprog: open %s: %w", path, err)
	}
	p.fds[cpu] = fd
	return fd, nil
}

// ProgramRMID writes rmid into PQR_ASSOC[9:0] and closid into
// PQR_ASSOC[63:32] for cpu. Must be called on a goroutine pinned to cpu,
// per spec.md §4.5 ("this write must be on the same CPU as next will run").
func (p *MSRProgrammer) ProgramRMID(cpu int, rmid, closid uint32) error {
	fd, err := p.fdFor(cpu)
	if err != nil {
		return err
	}

	val := uint64(rmid) | uint64(closid)<<32
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)

	n, err := unix.Pwrite(fd, buf[:], msrPQRAssoc)
	if err != nil {
		return fmt.Errorf("rmidprog: pwrite cpu=%d: %w", cpu, err)
	}
	if n != 8 {
		return fmt.Errorf("rmidprog: short write (%d bytes) cpu=%d", n, cpu)
	}
	return nil
}

// Close releases every opened MSR file descriptor.
func (p *MSRProgrammer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for cpu, fd := range p.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
		delete(p.fds, cpu)
	}
	return first
}
