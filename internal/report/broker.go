package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/bulkdl/shared/rabbitmq"
	"github.com/google/uuid"
)

// Event kinds published to the broker
const (
	KindFileReport = "file_report"
	KindStop       = "stop"
)

// Publisher is the subset of the RabbitMQ client the broker reporter uses
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Event is the JSON body of a broker message
type Event struct {
	RunID  string    `json:"run_id"`
	Kind   string    `json:"kind"`
	Files  []string  `json:"files,omitempty"`
	Count  int       `json:"count"`
	SentAt time.Time `json:"sent_at"`
}

// Broker mirrors coordinator messages onto a RabbitMQ exchange
type Broker struct {
	publisher Publisher
	runID     string
	now       func() time.Time
}

// NewBroker creates a broker reporter. Events carry runID for correlation.
func NewBroker(publisher Publisher, runID string) *Broker {
	return &Broker{
		publisher: publisher,
		runID:     runID,
		now:       time.Now,
	}
}

// ReportFiles publishes a file report event
func (b *Broker) ReportFiles(ctx context.Context, paths []string) error {
	return b.publish(ctx, Event{
		Kind:  KindFileReport,
		Files: paths,
		Count: len(paths),
	})
}

// ReportStop publishes a stop event
func (b *Broker) ReportStop(ctx context.Context, downloaded int) error {
	return b.publish(ctx, Event{
		Kind:  KindStop,
		Count: downloaded,
	})
}

func (b *Broker) publish(ctx context.Context, event Event) error {
	event.RunID = b.runID
	event.SentAt = b.now().UTC()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Kind, err)
	}

	err = b.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		ID:          uuid.NewString(),
		Type:        event.Kind,
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Kind, err)
	}

	return nil
}
