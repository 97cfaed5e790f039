package report

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/bulkdl/shared/coordinator"
)

// Coordinator reports over the framed TCP protocol
type Coordinator struct {
	client *coordinator.Client
	logger *slog.Logger
}

// NewCoordinator creates a reporter backed by client
func NewCoordinator(client *coordinator.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		logger: logger,
	}
}

// ReportFiles sends one FILE_REPORT message
func (c *Coordinator) ReportFiles(ctx context.Context, paths []string) error {
	if err := c.client.SendFileReport(ctx, paths); err != nil {
		return err
	}

	c.logger.Debug("Reported files to coordinator", slog.Int("files", len(paths)))
	return nil
}

// ReportStop sends the STOP message
func (c *Coordinator) ReportStop(ctx context.Context, downloaded int) error {
	if err := c.client.SendStop(ctx, downloaded); err != nil {
		return err
	}

	c.logger.Info("Sent stop to coordinator",
		slog.String("addr", c.client.Addr()),
		slog.Int("downloaded", downloaded),
	)
	return nil
}
