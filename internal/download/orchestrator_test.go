package download

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/cuongbtq/bulkdl/internal/linklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	fetcher   *fakeFetcher
	reporter  *fakeReporter
	mu        sync.Mutex
	summaries []domain.RoundSummary
}

func (f *orchestratorFixture) onRound(s domain.RoundSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
}

func (f *orchestratorFixture) orchestrator(runner Runner, policy string, cpus CPUSource) *Orchestrator {
	if runner == nil {
		runner = NewLocalRunner(NewBatchRunner(&BatchRunnerConfig{
			Fetcher:  f.fetcher,
			Reporter: f.reporter,
		}))
	}

	return NewOrchestrator(&Config{
		Dispatcher: NewDispatcher(&DispatcherConfig{Runner: runner, FaultPolicy: policy}),
		Reporter:   f.reporter,
		CPUs:       cpus,
		Rand:       rand.New(rand.NewPCG(1, 2)),
		OnRound:    f.onRound,
	})
}

func newFixture(failing ...string) *orchestratorFixture {
	return &orchestratorFixture{
		fetcher:  newFakeFetcher(failing...),
		reporter: &fakeReporter{},
	}
}

func TestQuota(t *testing.T) {
	tests := []struct {
		remaining int
		processes int
		want      int
	}{
		{remaining: 10, processes: 2, want: 5},
		{remaining: 10, processes: 3, want: 4},
		{remaining: 1, processes: 8, want: 1},
		{remaining: 0, processes: 4, want: 0},
		{remaining: 5, processes: 0, want: 0},
		{remaining: -1, processes: 2, want: 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Quota(tt.remaining, tt.processes), "Quota(%d, %d)", tt.remaining, tt.processes)
	}
}

func TestOrchestrator_PermanentFailureExhaustsRetries(t *testing.T) {
	job := newTestJob(t, 10)
	job.MaxRetries = 3
	bad := job.Links[7]

	f := newFixture(bad)
	result, err := f.orchestrator(nil, "", staticCPUs(0, 1)).Run(context.Background(), job)
	require.NoError(t, err, "degraded completion is not an error")

	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 9, result.Downloaded)
	assert.Equal(t, []string{bad}, result.Failed)
	assert.Equal(t, 3, result.Rounds)
	assert.Equal(t, 3, result.Retries)
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, 3, f.fetcher.callsFor(bad))
	assert.Equal(t, []int{9}, f.reporter.stops)
}

func TestOrchestrator_AllSucceedFirstRound(t *testing.T) {
	job := newTestJob(t, 5)

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0, 1)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Downloaded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 1, result.Rounds)
	assert.Zero(t, result.Retries)
	assert.False(t, result.Degraded)

	assert.Equal(t, []int{5}, f.reporter.stops)
	assert.Len(t, f.reporter.reportedFiles(), 5)
	assert.Len(t, f.reporter.files, 2, "one report per batch")
}

func TestOrchestrator_ExistingFilesAreNotFetched(t *testing.T) {
	job := newTestJob(t, 5)
	for _, link := range job.Links[:3] {
		require.NoError(t, os.WriteFile(job.DestinationFor(link), []byte("done"), 0o644))
	}

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Downloaded)
	for _, link := range job.Links[:3] {
		assert.Zero(t, f.fetcher.callsFor(link))
	}
	for _, link := range job.Links[3:] {
		assert.Equal(t, 1, f.fetcher.callsFor(link))
	}
	assert.Len(t, f.reporter.reportedFiles(), 5)
}

func TestOrchestrator_CoordinatorUnreachable(t *testing.T) {
	job := newTestJob(t, 4)

	f := newFixture()
	f.reporter.err = errors.New("dial tcp 127.0.0.1:5050: connect: connection refused")

	result, err := f.orchestrator(nil, "", staticCPUs(0, 1)).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Downloaded)
	assert.Equal(t, []int{4}, f.reporter.stops)
}

func TestOrchestrator_TransientFailuresRecover(t *testing.T) {
	job := newTestJob(t, 12)
	job.MaxRetries = 5

	f := newFixture()
	f.fetcher.failFirst[job.Links[0]] = 1
	f.fetcher.failFirst[job.Links[3]] = 2
	f.fetcher.failFirst[job.Links[11]] = 2

	result, err := f.orchestrator(nil, "", staticCPUs(0, 1, 2)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 12, result.Downloaded)
	assert.Equal(t, 3, result.Rounds)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, []int{12}, f.reporter.stops)
}

func TestOrchestrator_RoundBoundaryInvariant(t *testing.T) {
	job := newTestJob(t, 25)
	job.MaxRetries = 4

	f := newFixture(job.Links[2], job.Links[9])
	f.fetcher.failFirst[job.Links[4]] = 1
	f.fetcher.failFirst[job.Links[5]] = 2
	f.fetcher.failFirst[job.Links[20]] = 3

	result, err := f.orchestrator(nil, "", staticCPUs(0, 1, 2, 3)).Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, f.summaries, result.Rounds)

	for i, s := range f.summaries {
		assert.Equal(t, i+1, s.Round)
		assert.Equal(t, s.Total, s.Downloaded+s.Failed, "round %d", s.Round)
		if s.Failed > 0 {
			assert.Equal(t, Quota(s.Total-s.Downloaded, 4), s.Quota)
			assert.GreaterOrEqual(t, s.Quota, 0)
		}
	}

	assert.Equal(t, 23, result.Downloaded)
	assert.ElementsMatch(t, []string{job.Links[2], job.Links[9]}, result.Failed)
}

func TestOrchestrator_Termination(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantRounds int
	}{
		{name: "bounded by max retries", maxRetries: 4, wantRounds: 4},
		{name: "zero retries still runs one round", maxRetries: 0, wantRounds: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newTestJob(t, 6)
			job.MaxRetries = tt.maxRetries

			f := newFixture(job.Links...)
			result, err := f.orchestrator(nil, "", staticCPUs(0, 1)).Run(context.Background(), job)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRounds, result.Rounds)
			assert.LessOrEqual(t, result.Rounds, max(tt.maxRetries, 1)+1)
			assert.Zero(t, result.Downloaded)
			assert.Len(t, result.Failed, 6)
			assert.Equal(t, []int{0}, f.reporter.stops)
		})
	}
}

func TestOrchestrator_EmptyJob(t *testing.T) {
	job := newTestJob(t, 0)

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0, 1)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Zero(t, result.Rounds)
	assert.Zero(t, result.Downloaded)
	assert.Equal(t, []int{0}, f.reporter.stops)
}

func TestOrchestrator_NoCPUs(t *testing.T) {
	job := newTestJob(t, 3)

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs()).Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoCPUs))

	assert.Zero(t, result.Rounds)
	assert.Equal(t, result.Total, result.Downloaded+len(result.Failed))
	assert.Equal(t, []int{0}, f.reporter.stops)
}

func TestOrchestrator_AbortPolicy(t *testing.T) {
	job := newTestJob(t, 8)

	f := newFixture()
	runner := NewLocalRunner(NewBatchRunner(&BatchRunnerConfig{Fetcher: f.fetcher}))
	faulty := funcRunner(func(ctx context.Context, job *domain.Job, batch domain.Batch) domain.BatchOutcome {
		if batch.Index == 0 {
			return domain.BatchOutcome{Fault: domain.NewBatchFault(batch, errors.New("killed"))}
		}
		return runner.RunBatch(ctx, job, batch)
	})

	result, err := f.orchestrator(faulty, domain.FaultPolicyAbort, staticCPUs(0, 1)).Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkerFault))

	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 4, result.Downloaded)
	assert.Len(t, result.Failed, 4)
	assert.Equal(t, []int{4}, f.reporter.stops, "final count is still sent")
}

func TestOrchestrator_RequeuePolicyRetriesFaultedBatch(t *testing.T) {
	job := newTestJob(t, 8)

	f := newFixture()
	runner := NewLocalRunner(NewBatchRunner(&BatchRunnerConfig{Fetcher: f.fetcher}))

	var mu sync.Mutex
	faulted := false
	faultOnce := funcRunner(func(ctx context.Context, job *domain.Job, batch domain.Batch) domain.BatchOutcome {
		mu.Lock()
		first := !faulted
		faulted = true
		mu.Unlock()
		if first {
			return domain.BatchOutcome{Fault: domain.NewBatchFault(batch, errors.New("killed"))}
		}
		return runner.RunBatch(ctx, job, batch)
	})

	result, err := f.orchestrator(faultOnce, domain.FaultPolicyRequeue, staticCPUs(0, 1)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 8, result.Downloaded)
	assert.Equal(t, 2, result.Rounds)
	require.Len(t, f.summaries, 2)
	assert.Equal(t, 1, f.summaries[0].Faults)
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	job := newTestJob(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0)).Run(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Zero(t, result.Rounds)
	assert.Equal(t, 4, len(result.Failed))
	assert.Equal(t, []int{0}, f.reporter.stops, "final count goes out even after cancel")
}

func TestOrchestrator_UsesJobRunID(t *testing.T) {
	job := newTestJob(t, 2)
	job.RunID = "run-fixed"

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "run-fixed", result.RunID)
	require.NotEmpty(t, f.summaries)
	for _, s := range f.summaries {
		assert.Equal(t, "run-fixed", s.RunID)
	}
}

func TestOrchestrator_SameBaseNameLinksKeepSeparateFiles(t *testing.T) {
	list, err := linklist.Parse(strings.NewReader("https://a.example/x/seg.ts\nhttps://b.example/y/seg.ts\n"))
	require.NoError(t, err)

	job, err := domain.NewJob(list.Links, list.Files, t.TempDir())
	require.NoError(t, err)

	f := newFixture()
	result, err := f.orchestrator(nil, "", staticCPUs(0)).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Downloaded)
	assert.Equal(t, 1, f.fetcher.callsFor(list.Links[0]))
	assert.Equal(t, 1, f.fetcher.callsFor(list.Links[1]))

	entries, err := os.ReadDir(job.Destination)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	reported := f.reporter.reportedFiles()
	assert.ElementsMatch(t, []string{job.DestinationFor(list.Links[0]), job.DestinationFor(list.Links[1])}, reported)
	assert.NotEqual(t, reported[0], reported[1])
}

func TestOrchestrator_QuotaFollowsRefreshedCPUs(t *testing.T) {
	job := newTestJob(t, 4)
	job.MaxRetries = 2

	var (
		mu    sync.Mutex
		reads int
	)
	shrinking := func() ([]int, error) {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if reads == 1 {
			return []int{0, 1, 2, 3}, nil
		}
		return []int{0}, nil
	}

	var batches []domain.Batch
	runner := funcRunner(func(_ context.Context, _ *domain.Job, batch domain.Batch) domain.BatchOutcome {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		return domain.BatchOutcome{Batch: batch}
	})

	f := newFixture()
	result, err := f.orchestrator(runner, "", shrinking).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Downloaded)

	require.Len(t, batches, 1)
	assert.Equal(t, 0, batches[0].CPU)
	assert.Len(t, batches[0].Links, 4)

	require.Len(t, f.summaries, 1)
	assert.Equal(t, 4, f.summaries[0].Quota)
	assert.Equal(t, []int{0}, f.summaries[0].CPUs)
}
