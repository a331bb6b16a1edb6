//go:build linux

// Package proctask implements sampler.TaskSource by polling /proc: it finds
// the task most recently reported as running on each CPU via the
// "processor" field of /proc/<pid>/stat, grounded in the teacher's
// /proc-parsing idiom (pkg/system/proc/proc.go's ReadProcStat).
package proctask

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coretap/coretap/pkg/sampler"
)

// Source polls /proc periodically (via Refresh) and answers CurrentTask
// from its most recent snapshot, keyed by the "processor" field each task
// last reported.
type Source struct {
	mu      sync.RWMutex
	byCPU   map[int]sampler.Task
	cgroups map[int]uint64 // pid -> fnv-hashed cgroup path, cached
}

// New returns an empty Source; call Refresh before the first CurrentTask.
func New() *Source {
	return &Source{byCPU: make(map[int]sampler.Task), cgroups: make(map[int]uint64)}
}

// CurrentTask returns the last task observed running on cpu.
func (s *Source) CurrentTask(cpu int) (sampler.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byCPU[cpu]
	return t, ok
}

// CurrentCgroupID implements sampler.CgroupIDSource as a portable fallback:
// it hashes the task's /proc/<pid>/cgroup path with fnv rather than stat-ing
// the cgroupfs inode (see pkg/cgroupid for the precise, inode-based
// resolver). Good enough to distinguish cgroups; not a real inode number.
func (s *Source) CurrentCgroupID(cpu int) uint64 {
	t, ok := s.CurrentTask(cpu)
	if !ok {
		return 0
	}
	s.mu.RLock()
	id, cached := s.cgroups[t.PID]
	s.mu.RUnlock()
	if cached {
		return id
	}
	id = hashCgroupPath(t.PID)
	s.mu.Lock()
	s.cgroups[t.PID] = id
	s.mu.Unlock()
	return id
}

func hashCgroupPath(pid int) uint64 {
	path, err := readOwnCgroupPath(pid)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

func readOwnCgroupPath(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var last string
	for sc.Scan() {
		line := sc.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) == 3 {
			last = parts[2]
		}
	}
	if last == "" {
		return "", fmt.Errorf("proctask: no cgroup line for pid %d", pid)
	}
	return last, nil
}

// Refresh rescans /proc/*/stat and /proc/*/status, rebuilding the per-CPU
// "currently running" snapshot. Call this from the engine's own tick loop
// (it is not itself synchronized with any particular CPU's timer).
func (s *Source) Refresh() error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return fmt.Errorf("proctask: read /proc: %w", err)
	}

	byCPU := make(map[int]sampler.Task, len(s.byCPU))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		task, cpu, ok := readTask(pid)
		if !ok {
			continue
		}
		byCPU[cpu] = task
	}

	s.mu.Lock()
	s.byCPU = byCPU
	s.mu.Unlock()
	return nil
}

// readTask reads pid's stat/status/exe to build a sampler.Task and the CPU
// it last ran on. ok is false if pid has already exited (races with the
// /proc scan) or its stat line is malformed.
func readTask(pid int) (sampler.Task, int, bool) {
	comm, cpu, ok := readStat(pid)
	if !ok {
		return sampler.Task{}, 0, false
	}
	tgid, ok := readTgid(pid)
	if !ok {
		tgid = pid
	}
	isKernel := isKernelThread(pid)

	return sampler.Task{PID: pid, TGID: tgid, Comm: comm, IsKernel: isKernel}, cpu, true
}

func readStat(pid int) (comm string, cpu int, ok bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", 0, false
	}
	return parseStatLine(sc.Text())
}

// processorField is the 0-indexed position of the "processor" field among
// the stat fields following the parenthesized comm (field 39 overall,
// counting pid as field 1).
const processorField = 36

func parseStatLine(line string) (comm string, cpu int, ok bool) {
	open := strings.Index(line, "(")
	end := strings.LastIndex(line, ") ")
	if open < 0 || end < 0 || end < open {
		return "", 0, false
	}
	comm = line[open+1 : end]

	fields := strings.Fields(line[end+2:])
	if len(fields) <= processorField {
		return "", 0, false
	}
	cpu, err := strconv.Atoi(fields[processorField])
	if err != nil {
		return "", 0, false
	}
	return comm, cpu, true
}

func readTgid(pid int) (int, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "Tgid:") {
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Tgid:")))
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// isKernelThread treats pid 2 (kthreadd) and any process whose /proc/<pid>/exe
// cannot be resolved (kernel threads have no executable image) as a kernel
// thread.
func isKernelThread(pid int) bool {
	if pid == 2 {
		return true
	}
	_, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
	return err != nil
}
