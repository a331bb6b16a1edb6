// Package cgroupid resolves a task's cgroup id, the cgroupfs inode number
// that bpf_get_current_cgroup_id() returns in the reference kernel module
// (spec.md §4.5, "current_cgroup_id").
package cgroupid

// Source resolves a pid's current cgroup id.
type Source interface {
	CgroupID(pid int) (uint64, error)
}

// FakeSource returns canned cgroup ids for tests, grounded in the teacher's
// hand-built fixture style (pkg/consumption/consumption_test.go).
type FakeSource struct {
	ByPID map[int]uint64
}

// NewFakeSource builds a FakeSource from a pid-to-cgroup-id map.
func NewFakeSource(byPID map[int]uint64) *FakeSource {
	return &FakeSource{ByPID: byPID}
}

func (f *FakeSource) CgroupID(pid int) (uint64, error) {
	return f.ByPID[pid], nil
}
