package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"golang.org/x/sync/errgroup"
)

// Fetcher transfers one link to dest. It must not overwrite an existing file.
type Fetcher interface {
	Fetch(ctx context.Context, link, dest string) error
}

// Reporter notifies the coordinator. Delivery is best effort and never part of
// the download result.
type Reporter interface {
	ReportFiles(ctx context.Context, paths []string) error
	ReportStop(ctx context.Context, downloaded int) error
}

// BatchRunnerConfig holds batch runner configuration
type BatchRunnerConfig struct {
	Logger       *slog.Logger
	Fetcher      Fetcher
	Reporter     Reporter
	Placer       Placer
	Concurrency  int
	FetchTimeout time.Duration
}

// BatchRunner fetches the links of one batch through a bounded window of
// concurrent tasks
type BatchRunner struct {
	logger       *slog.Logger
	fetcher      Fetcher
	reporter     Reporter
	placer       Placer
	concurrency  int
	fetchTimeout time.Duration
}

// NewBatchRunner creates a new batch runner
func NewBatchRunner(cfg *BatchRunnerConfig) *BatchRunner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultConcurrency
	}

	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = domain.DefaultFetchTimeout
	}

	placer := cfg.Placer
	if placer == nil {
		placer = NopPlacer{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchRunner{
		logger:       logger,
		fetcher:      cfg.Fetcher,
		reporter:     cfg.Reporter,
		placer:       placer,
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
	}
}

// Run fetches every link of the batch and returns the links that failed.
// Successful destinations are reported once, after all tasks have drained.
// A non-nil error means the batch itself faulted.
func (r *BatchRunner) Run(ctx context.Context, job *domain.Job, batch domain.Batch) ([]string, error) {
	release, err := r.placer.Place(batch.CPU)
	if err != nil {
		r.logger.Warn("Failed to pin batch to cpu",
			slog.Int("batch", batch.Index),
			slog.Int("cpu", batch.CPU),
			slog.String("error", err.Error()),
		)
	}
	if release != nil {
		defer release()
	}

	r.logger.Debug("Running batch",
		slog.Int("batch", batch.Index),
		slog.Int("cpu", batch.CPU),
		slog.Int("links", len(batch.Links)),
	)

	var (
		mu     sync.Mutex
		failed = make(map[string]struct{})
	)

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, link := range batch.Links {
		dest := job.DestinationFor(link)

		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic while fetching %s: %v", link, p)
				}
			}()

			if fetchErr := r.fetchLink(ctx, link, dest); fetchErr != nil {
				r.logger.Debug("Fetch failed",
					slog.String("link", link),
					slog.String("error", fetchErr.Error()),
				)

				mu.Lock()
				failed[link] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		failedLinks = make([]string, 0, len(failed))
		paths       = make([]string, 0, len(batch.Links)-len(failed))
	)
	for _, link := range batch.Links {
		if _, ok := failed[link]; ok {
			failedLinks = append(failedLinks, link)
			continue
		}
		paths = append(paths, job.DestinationFor(link))
	}

	r.report(ctx, batch, paths)

	return failedLinks, nil
}

// fetchLink treats an existing destination as already downloaded
func (r *BatchRunner) fetchLink(ctx context.Context, link, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat destination: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	return r.fetcher.Fetch(fetchCtx, link, dest)
}

func (r *BatchRunner) report(ctx context.Context, batch domain.Batch, paths []string) {
	if r.reporter == nil {
		return
	}

	if err := r.reporter.ReportFiles(context.WithoutCancel(ctx), paths); err != nil {
		r.logger.Warn("Failed to report batch files to coordinator",
			slog.Int("batch", batch.Index),
			slog.Int("files", len(paths)),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Debug("Reported batch files to coordinator",
		slog.Int("batch", batch.Index),
		slog.Int("files", len(paths)),
	)
}
