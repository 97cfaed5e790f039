package download

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/google/uuid"
)

// RoundDispatcher runs one round of batches behind a barrier
type RoundDispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job, active []string, quota int, cpus []int) (RoundOutcome, error)
}

// CPUSource lists the CPUs batches may be placed on
type CPUSource func() ([]int, error)

// Config holds orchestrator configuration
type Config struct {
	Logger     *slog.Logger
	Dispatcher RoundDispatcher
	Reporter   Reporter
	CPUs       CPUSource
	Rand       *rand.Rand
	OnRound    func(domain.RoundSummary)
}

// Orchestrator drives retry rounds until every link is accounted for or the
// retry budget is spent
type Orchestrator struct {
	logger     *slog.Logger
	dispatcher RoundDispatcher
	reporter   Reporter
	cpus       CPUSource
	rand       *rand.Rand
	onRound    func(domain.RoundSummary)
}

// state is owned by a single Run call and never leaves it
type state struct {
	errorLinks []string
	downloaded int
	retries    int
	quota      int
	rounds     int
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg *Config) *Orchestrator {
	rnd := cfg.Rand
	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>1))
	}

	cpus := cfg.CPUs
	if cpus == nil {
		cpus = AvailableCPUs
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		logger:     logger,
		dispatcher: cfg.Dispatcher,
		reporter:   cfg.Reporter,
		cpus:       cpus,
		rand:       rnd,
		onRound:    cfg.OnRound,
	}
}

// Quota returns the per-batch link target: ceil(remaining / processes).
// It is zero when there is no work or no process to do it.
func Quota(remaining, processes int) int {
	if remaining <= 0 || processes <= 0 {
		return 0
	}
	return (remaining + processes - 1) / processes
}

// Run downloads the job's links over at most job.MaxRetries rounds and sends
// the final count to the coordinator. The result is always populated; the
// error is non-nil only when a round aborted or ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context, job *domain.Job) (*domain.Result, error) {
	start := time.Now()
	runID := job.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := o.logger.With(slog.String("run_id", runID))

	logger.Info("Starting download process",
		slog.Int("total_links", job.Total()),
		slog.Int("max_retries", job.MaxRetries),
		slog.Bool("http2", job.HTTP2),
	)

	cpus, err := o.cpus()
	if err != nil {
		logger.Error("Failed to list available cpus", slog.String("error", err.Error()))
	}
	processes := len(cpus)

	st := &state{quota: Quota(job.Total(), processes)}

	maxRetries := job.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var runErr error
	if processes == 0 && job.Total() > 0 {
		st.errorLinks = append([]string(nil), job.Links...)
		runErr = domain.ErrNoCPUs
	}

	for runErr == nil && job.Total() > 0 && st.retries < maxRetries {
		if err := ctx.Err(); err != nil {
			if st.rounds == 0 {
				st.errorLinks = append([]string(nil), job.Links...)
			}
			runErr = err
			break
		}

		active := o.nextActive(job, st)

		if refreshed, err := o.cpus(); err == nil && len(refreshed) > 0 {
			cpus = refreshed
			processes = len(cpus)
		}
		st.quota = Quota(len(active), processes)

		logger.Info("Starting download round",
			slog.Int("round", st.rounds+1),
			slog.Int("links_left", job.Total()-st.downloaded),
			slog.Any("available_cpus", cpus),
			slog.Int("threads", job.Concurrency*processes),
			slog.Int("links_per_process", st.quota),
		)

		outcome, dispatchErr := o.dispatcher.Dispatch(ctx, job, active, st.quota, cpus)
		st.rounds++

		st.errorLinks = dedupe(append(st.errorLinks, outcome.Failed...))
		st.downloaded = job.Total() - len(st.errorLinks)

		logger.Debug("Round finished",
			slog.Int("round", st.rounds),
			slog.Int("batches", outcome.Batches),
			slog.Int("downloaded", st.downloaded),
			slog.Int("error_links", len(st.errorLinks)),
			slog.Int("faults", len(outcome.Faults)),
		)

		if dispatchErr != nil {
			runErr = dispatchErr
			o.publish(runID, job, st, cpus, len(outcome.Faults))
			break
		}

		if len(st.errorLinks) == 0 {
			o.publish(runID, job, st, cpus, len(outcome.Faults))
			break
		}

		st.quota = Quota(job.Total()-st.downloaded, processes)
		logger.Warn(fmt.Sprintf("%d was expected but %d was downloaded", job.Total(), st.downloaded))
		st.retries++
		o.publish(runID, job, st, cpus, len(outcome.Faults))

		if st.retries < maxRetries {
			logger.Info("Trying retry", slog.Int("retry", st.retries))
		}
	}

	result := &domain.Result{
		RunID:      runID,
		Total:      job.Total(),
		Downloaded: st.downloaded,
		Failed:     st.errorLinks,
		Rounds:     st.rounds,
		Retries:    st.retries,
		Degraded:   len(st.errorLinks) > 0,
		Duration:   time.Since(start),
	}

	o.reportStop(ctx, logger, st.downloaded)

	if result.Degraded {
		logger.Warn("Download finished with failures",
			slog.Int("expected", result.Total),
			slog.Int("downloaded", result.Downloaded),
			slog.Int("failed", len(result.Failed)),
			slog.Duration("took", result.Duration),
		)
	} else {
		logger.Info("Download finished",
			slog.Int("expected", result.Total),
			slog.Int("downloaded", result.Downloaded),
			slog.Duration("took", result.Duration),
		)
	}

	if runErr != nil {
		return result, fmt.Errorf("download run %s stopped: %w", runID, runErr)
	}
	return result, nil
}

// nextActive takes the error set if there is one, the full link set otherwise,
// and returns it shuffled. The error set is cleared.
func (o *Orchestrator) nextActive(job *domain.Job, st *state) []string {
	var active []string
	if len(st.errorLinks) > 0 {
		active = st.errorLinks
		st.errorLinks = nil
	} else {
		active = append([]string(nil), job.Links...)
	}

	o.rand.Shuffle(len(active), func(i, j int) {
		active[i], active[j] = active[j], active[i]
	})
	return active
}

func (o *Orchestrator) publish(runID string, job *domain.Job, st *state, cpus []int, faults int) {
	if o.onRound == nil {
		return
	}

	o.onRound(domain.RoundSummary{
		RunID:      runID,
		Round:      st.rounds,
		Total:      job.Total(),
		Downloaded: st.downloaded,
		Failed:     len(st.errorLinks),
		Retries:    st.retries,
		Quota:      st.quota,
		CPUs:       append([]int(nil), cpus...),
		Faults:     faults,
	})
}

func (o *Orchestrator) reportStop(ctx context.Context, logger *slog.Logger, downloaded int) {
	if o.reporter == nil {
		return
	}

	if err := o.reporter.ReportStop(context.WithoutCancel(ctx), downloaded); err != nil {
		logger.Error("Failed to send final count to coordinator",
			slog.Int("downloaded", downloaded),
			slog.String("error", err.Error()),
		)
	}
}

// dedupe drops repeated links, keeping first occurrences
func dedupe(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := links[:0]
	for _, link := range links {
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}
