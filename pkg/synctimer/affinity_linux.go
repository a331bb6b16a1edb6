//go:build linux

package synctimer

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// LinuxAffinity pins the calling OS thread with sched_setaffinity and
// reports its current CPU with sched_getcpu, per spec.md §4.3's "modern"
// capability tier.
type LinuxAffinity struct{}

func (LinuxAffinity) Pin(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func (LinuxAffinity) CurrentCPU() (int, bool) {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return 0, false
	}
	return cpu, true
}
