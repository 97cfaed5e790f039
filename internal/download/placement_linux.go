//go:build linux

package download

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// cpuSetSize mirrors CPU_SETSIZE
const cpuSetSize = 1024

// AvailableCPUs returns the CPUs in this process's affinity mask
func AvailableCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("failed to read cpu affinity: %w", err)
	}

	count := set.Count()
	cpus := make([]int, 0, count)
	for cpu := 0; cpu < cpuSetSize && len(cpus) < count; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// ThreadPlacer locks the calling goroutine to its OS thread and pins that
// thread to the CPU until release is called
type ThreadPlacer struct{}

func (ThreadPlacer) Place(cpu int) (func(), error) {
	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return func() {}, fmt.Errorf("failed to read thread affinity: %w", err)
	}

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return func() {}, fmt.Errorf("failed to pin thread to cpu %d: %w", cpu, err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &prev)
		runtime.UnlockOSThread()
	}, nil
}

// ProcessPlacer pins every thread of the current process to the CPU. It is
// meant for batch child processes, which exit when the batch is done.
type ProcessPlacer struct{}

func (ProcessPlacer) Place(cpu int) (func(), error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return func() {}, fmt.Errorf("failed to list threads: %w", err)
	}

	var set unix.CPUSet
	set.Set(cpu)

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			return func() {}, fmt.Errorf("failed to pin thread %d to cpu %d: %w", tid, cpu, err)
		}
	}

	return func() {}, nil
}
