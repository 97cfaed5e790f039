package report

import (
	"context"
	"sync"
)

// Snapshot is a copy of what a Recorder has seen
type Snapshot struct {
	Reports       int
	FilesReported int
	StopSent      bool
	StopCount     int
}

// Recorder counts reports without sending them anywhere
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ReportFiles records one file report
func (r *Recorder) ReportFiles(_ context.Context, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Reports++
	r.snap.FilesReported += len(paths)
	return nil
}

// ReportStop records the stop message
func (r *Recorder) ReportStop(_ context.Context, downloaded int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.StopSent = true
	r.snap.StopCount = downloaded
	return nil
}

// Snapshot returns the current counts
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snap
}
