package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/stretchr/testify/require"
)

var errFetch = errors.New("fetch failed")

// fakeFetcher writes the link into dest unless the link is marked as failing
type fakeFetcher struct {
	mu        sync.Mutex
	fail      map[string]bool
	failFirst map[string]int
	calls     map[string]int
	delay     time.Duration
	panic     string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeFetcher(failing ...string) *fakeFetcher {
	f := &fakeFetcher{
		fail:      make(map[string]bool),
		failFirst: make(map[string]int),
		calls:     make(map[string]int),
	}
	for _, link := range failing {
		f.fail[link] = true
	}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, link, dest string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[link]++
	fail := f.fail[link] || f.calls[link] <= f.failFirst[link]
	f.mu.Unlock()

	if link == f.panic {
		panic("fetcher exploded")
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return errFetch
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(link), 0o644)
}

func (f *fakeFetcher) callsFor(link string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[link]
}

// fakeReporter records what would have been sent to the coordinator
type fakeReporter struct {
	mu    sync.Mutex
	files [][]string
	stops []int
	err   error
}

func (r *fakeReporter) ReportFiles(_ context.Context, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, append([]string(nil), paths...))
	return r.err
}

func (r *fakeReporter) ReportStop(_ context.Context, downloaded int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, downloaded)
	return r.err
}

func (r *fakeReporter) reportedFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []string
	for _, batch := range r.files {
		all = append(all, batch...)
	}
	return all
}

// newTestJob builds a job of n links whose files land in a temp dir
func newTestJob(t *testing.T, n int) *domain.Job {
	t.Helper()

	links := make([]string, n)
	files := make(map[string]string, n)
	for i := range links {
		links[i] = fmt.Sprintf("https://example.com/files/%d.bin", i)
		files[links[i]] = fmt.Sprintf("%d.bin", i)
	}

	job, err := domain.NewJob(links, files, t.TempDir())
	require.NoError(t, err)
	return job
}

func staticCPUs(cpus ...int) CPUSource {
	return func() ([]int, error) {
		return cpus, nil
	}
}
