package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
)

// Runner executes one batch on its own parallel worker
type Runner interface {
	RunBatch(ctx context.Context, job *domain.Job, batch domain.Batch) domain.BatchOutcome
}

// RoundOutcome is the merged result of every batch in a round
type RoundOutcome struct {
	Batches int
	Failed  []string
	Faults  []error
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Logger      *slog.Logger
	Runner      Runner
	FaultPolicy string
}

// Dispatcher partitions a round's links into per-CPU batches and waits for
// all of them
type Dispatcher struct {
	logger      *slog.Logger
	runner      Runner
	faultPolicy string
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	policy := cfg.FaultPolicy
	if policy == "" {
		policy = domain.FaultPolicyRequeue
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		logger:      logger,
		runner:      cfg.Runner,
		faultPolicy: policy,
	}
}

// Partition splits links into consecutive batches of quota links and assigns
// batch i to cpus[i % len(cpus)]. The last batch may be shorter.
func Partition(links []string, quota int, cpus []int) []domain.Batch {
	if len(links) == 0 || len(cpus) == 0 {
		return nil
	}
	if quota < 1 {
		quota = 1
	}

	batches := make([]domain.Batch, 0, (len(links)+quota-1)/quota)
	for start, i := 0, 0; start < len(links); start, i = start+quota, i+1 {
		end := min(start+quota, len(links))
		batches = append(batches, domain.Batch{
			Index: i,
			CPU:   cpus[i%len(cpus)],
			Links: links[start:end:end],
		})
	}
	return batches
}

// Dispatch runs one round. It returns only after every batch has finished or
// faulted. Links of a faulted batch are always counted as failed; with the
// abort policy the round also returns an error wrapping domain.ErrWorkerFault.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job, active []string, quota int, cpus []int) (RoundOutcome, error) {
	batches := Partition(active, quota, cpus)
	if len(batches) == 0 {
		return RoundOutcome{}, nil
	}

	outcomes := make([]domain.BatchOutcome, len(batches))
	sem := make(chan struct{}, len(cpus))

	var wg sync.WaitGroup
	for i, batch := range batches {
		d.logger.Debug("Submitting batch",
			slog.Int("batch", batch.Index),
			slog.Int("cpu", batch.CPU),
			slog.Int("links", len(batch.Links)),
			slog.Any("available_cpus", cpus),
		)

		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = domain.BatchOutcome{Batch: batch, Fault: domain.NewBatchFault(batch, ctx.Err())}
				return
			}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				outcomes[i] = domain.BatchOutcome{Batch: batch, Fault: domain.NewBatchFault(batch, err)}
				return
			}

			outcomes[i] = d.runner.RunBatch(ctx, job, batch)
			outcomes[i].Batch = batch
		}()
	}
	wg.Wait()

	round := RoundOutcome{Batches: len(batches)}
	for _, outcome := range outcomes {
		if outcome.Fault != nil {
			d.logger.Error("Batch faulted, counting its links as failed",
				slog.Int("batch", outcome.Batch.Index),
				slog.Int("cpu", outcome.Batch.CPU),
				slog.Int("links", len(outcome.Batch.Links)),
				slog.String("error", outcome.Fault.Error()),
			)
			round.Faults = append(round.Faults, outcome.Fault)
			round.Failed = append(round.Failed, outcome.Batch.Links...)
			continue
		}
		round.Failed = append(round.Failed, outcome.Failed...)
	}

	if len(round.Faults) > 0 && d.faultPolicy == domain.FaultPolicyAbort {
		return round, fmt.Errorf("%w: %w", domain.ErrWorkerFault, errors.Join(round.Faults...))
	}

	return round, nil
}
