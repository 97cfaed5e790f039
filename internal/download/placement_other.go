//go:build !linux

package download

import "runtime"

// AvailableCPUs returns 0..NumCPU-1; affinity masks are not readable here
func AvailableCPUs() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}

// ThreadPlacer is a no-op outside Linux
type ThreadPlacer struct{ NopPlacer }

// ProcessPlacer is a no-op outside Linux
type ProcessPlacer struct{ NopPlacer }
