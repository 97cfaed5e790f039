package report

import (
	"context"
	"errors"

	"github.com/cuongbtq/bulkdl/internal/download"
)

// Fanout sends every report to all reporters in order. One failing reporter
// does not stop the others.
type Fanout []download.Reporter

// ReportFiles reports paths to every reporter
func (f Fanout) ReportFiles(ctx context.Context, paths []string) error {
	var errs []error
	for _, r := range f {
		if err := r.ReportFiles(ctx, paths); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportStop reports the final count to every reporter
func (f Fanout) ReportStop(ctx context.Context, downloaded int) error {
	var errs []error
	for _, r := range f {
		if err := r.ReportStop(ctx, downloaded); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
