package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/events"
	"github.com/okoabh/okoa-automated-processor-sub000/services/orchestrator/pool"
)

// Ingest consumes document-ingested events and enqueues a processing
// job for each one. It is the event-driven twin of the REST submit
// endpoint: upstream systems drop documents on the topic and the pool
// picks them up.
type Ingest struct {
	consumer events.Consumer
	pump     *pool.Pump
	logger   *slog.Logger
}

// NewIngest wires the ingest consumer to the pump.
func NewIngest(consumer events.Consumer, pump *pool.Pump, logger *slog.Logger) *Ingest {
	return &Ingest{consumer: consumer, pump: pump, logger: logger}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (i *Ingest) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.handle)
}

func (i *Ingest) handle(ctx context.Context, msg events.Message) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.ingest_document")
	defer span.End()

	var doc events.DocumentIngested
	if err := json.Unmarshal(msg.Value, &doc); err != nil {
		// Malformed payloads are discarded: re-delivery cannot fix them.
		i.logger.Error("malformed ingest event, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed ingest event")
		return nil
	}

	span.SetAttributes(
		attribute.String("document.id", doc.DocumentID),
		attribute.String("job.type", doc.JobType),
	)

	job, err := i.pump.Enqueue(ctx, doc.DocumentID, doc.JobType, doc.Priority)
	if err != nil {
		var typeErr *domain.InvalidAgentTypeError
		if errors.As(err, &typeErr) {
			i.logger.Error("ingest event with unknown job type, discarding",
				slog.String("document_id", doc.DocumentID),
				slog.String("job_type", doc.JobType),
			)
			span.RecordError(typeErr)
			return nil
		}
		// Store trouble: skip the commit so the event is re-delivered.
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return err
	}

	i.logger.Info("document ingested",
		slog.String("document_id", doc.DocumentID),
		slog.String("job_id", job.ID),
		slog.String("job_type", doc.JobType),
	)
	return nil
}
