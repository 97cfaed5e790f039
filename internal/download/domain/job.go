package domain

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Job is the immutable description of one download run
type Job struct {
	RunID        string
	Links        []string
	Files        map[string]string // link -> path relative to Destination
	Destination  string
	HTTP2        bool
	MaxRetries   int
	Convert      bool
	Debug        bool
	Concurrency  int
	FetchTimeout time.Duration
}

// NewJob builds a job from a link sequence, dropping duplicate links.
// Every link must have its own destination in files.
func NewJob(links []string, files map[string]string, destination string) (*Job, error) {
	seen := make(map[string]struct{}, len(links))
	owners := make(map[string]string, len(links))
	unique := make([]string, 0, len(links))
	for _, link := range links {
		if _, ok := seen[link]; ok {
			continue
		}
		if files[link] == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingDestination, link)
		}

		dest := filepath.Clean(files[link])
		if owner, ok := owners[dest]; ok {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrDuplicateDestination, owner, link, dest)
		}
		owners[dest] = link

		seen[link] = struct{}{}
		unique = append(unique, link)
	}

	return &Job{
		RunID:        uuid.NewString(),
		Links:        unique,
		Files:        files,
		Destination:  destination,
		MaxRetries:   DefaultMaxRetries,
		Concurrency:  DefaultConcurrency,
		FetchTimeout: DefaultFetchTimeout,
	}, nil
}

// Total returns the number of links the job must account for
func (j *Job) Total() int {
	return len(j.Links)
}

// DestinationFor returns where the file for link is materialized
func (j *Job) DestinationFor(link string) string {
	return filepath.Join(j.Destination, j.Files[link])
}

// Batch is a contiguous slice of the active links bound to one CPU
type Batch struct {
	Index int
	CPU   int
	Links []string
}

// BatchOutcome is what a batch reports back: the links that failed, or a fault
type BatchOutcome struct {
	Batch  Batch
	Failed []string
	Fault  error
}

// RoundSummary is an immutable snapshot taken at a round boundary
type RoundSummary struct {
	RunID      string
	Round      int
	Total      int
	Downloaded int
	Failed     int
	Retries    int
	Quota      int
	CPUs       []int
	Faults     int
}

// Result is the final accounting of a run
type Result struct {
	RunID      string
	Total      int
	Downloaded int
	Failed     []string
	Rounds     int
	Retries    int
	Degraded   bool
	Duration   time.Duration
}
