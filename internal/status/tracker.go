package status

import (
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/cuongbtq/bulkdl/internal/report"
)

// Progress is the status API view of a run
type Progress struct {
	RunID         string    `json:"run_id"`
	Total         int       `json:"total"`
	Downloaded    int       `json:"downloaded"`
	Remaining     int       `json:"remaining"`
	Round         int       `json:"round"`
	Retries       int       `json:"retries"`
	Quota         int       `json:"quota"`
	CPUs          []int     `json:"cpus"`
	Faults        int       `json:"faults"`
	FilesReported int       `json:"files_reported"`
	StopSent      bool      `json:"stop_sent"`
	Finished      bool      `json:"finished"`
	Degraded      bool      `json:"degraded"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Tracker holds the latest round snapshot of one run
type Tracker struct {
	mu       sync.RWMutex
	progress Progress
	recorder *report.Recorder
	now      func() time.Time
}

// NewTracker creates a tracker for a run of total links. Report counts are
// read from recorder when it is not nil.
func NewTracker(runID string, total int, recorder *report.Recorder) *Tracker {
	now := time.Now()
	return &Tracker{
		progress: Progress{
			RunID:     runID,
			Total:     total,
			Remaining: total,
			CPUs:      []int{},
			StartedAt: now,
			UpdatedAt: now,
		},
		recorder: recorder,
		now:      time.Now,
	}
}

// Observe records a round summary
func (t *Tracker) Observe(summary domain.RoundSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.Total = summary.Total
	t.progress.Downloaded = summary.Downloaded
	t.progress.Remaining = summary.Failed
	t.progress.Round = summary.Round
	t.progress.Retries = summary.Retries
	t.progress.Quota = summary.Quota
	t.progress.CPUs = slices.Clone(summary.CPUs)
	t.progress.Faults += summary.Faults
	t.progress.UpdatedAt = t.now()
}

// Finish records the final result
func (t *Tracker) Finish(result *domain.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.Downloaded = result.Downloaded
	t.progress.Remaining = len(result.Failed)
	t.progress.Degraded = result.Degraded
	t.progress.Finished = true
	t.progress.UpdatedAt = t.now()
}

// Progress returns a copy of the current state
func (t *Tracker) Progress() Progress {
	t.mu.RLock()
	progress := t.progress
	progress.CPUs = slices.Clone(t.progress.CPUs)
	t.mu.RUnlock()

	if t.recorder != nil {
		snap := t.recorder.Snapshot()
		progress.FilesReported = snap.FilesReported
		progress.StopSent = snap.StopSent
	}
	return progress
}
