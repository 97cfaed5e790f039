package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingDestination is returned when a link has no entry in the file map
	ErrMissingDestination = errors.New("link has no destination path")

	// ErrDuplicateDestination is returned when two links map to the same file
	ErrDuplicateDestination = errors.New("destination used by more than one link")

	// ErrWorkerFault is returned when a batch crashed and the fault policy is abort
	ErrWorkerFault = errors.New("worker fault")

	// ErrNoCPUs is returned when no CPU is available for placement
	ErrNoCPUs = errors.New("no cpus available")
)

// BatchFault describes a batch that did not finish normally
type BatchFault struct {
	Batch int
	CPU   int
	Err   error
}

func (e *BatchFault) Error() string {
	return fmt.Sprintf("batch %d on cpu %d faulted: %v", e.Batch, e.CPU, e.Err)
}

func (e *BatchFault) Unwrap() error {
	return e.Err
}

// NewBatchFault creates a new batch fault
func NewBatchFault(batch Batch, err error) error {
	return &BatchFault{Batch: batch.Index, CPU: batch.CPU, Err: err}
}
