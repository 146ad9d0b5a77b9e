package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/relay/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/corray333/backend-labs/relay/internal/service/models/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize  = 100
	defaultIdleDelay  = time.Second
	defaultRetryDelay = 5 * time.Second
	tracerName        = "outbox-relay"
)

type store interface {
	FetchPending(ctx context.Context, limit int) ([]outbox.Row, error)
	MarkRelayed(ctx context.Context, ids []int64) error
}

type publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// Config controls how the worker polls the outbox.
type Config struct {
	Queue      string
	BatchSize  int
	IdleDelay  time.Duration
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = defaultIdleDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	return c
}

// Worker relays messages from the outbox table to the broker.
type Worker struct {
	store     store
	publisher publisher
	cfg       Config
	tracer    trace.Tracer
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWorker creates a new outbox worker. The publisher must not be shared with
// another worker.
func NewWorker(store store, publisher publisher, cfg Config) (*Worker, error) {
	if err := rabbitmq.ValidateQueueName(cfg.Queue); err != nil {
		return nil, err
	}

	return &Worker{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		tracer:    otel.Tracer(tracerName),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start relays batches until the context is cancelled, Stop is called, or a
// configuration error occurs. I/O failures are logged and retried.
func (w *Worker) Start(ctx context.Context) error {
	slog.Info("Outbox worker started",
		"queue", w.cfg.Queue,
		"batch_size", w.cfg.BatchSize,
		"idle_delay", w.cfg.IdleDelay,
		"retry_delay", w.cfg.RetryDelay,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox worker shutting down")

			return nil
		case <-w.stopCh:
			slog.Info("Outbox worker stopped")

			return nil
		default:
		}

		relayed, err := w.RunCycle(ctx)
		switch {
		case err != nil && relayerr.IsFatal(err):
			slog.Error("Outbox worker configuration error, stopping", "error", err)

			return err
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("Outbox relay cycle failed, will retry", "retry_in", w.cfg.RetryDelay, "error", err)
			w.wait(ctx, w.cfg.RetryDelay)
		case relayed == 0:
			w.wait(ctx, w.cfg.IdleDelay)
		}
	}
}

// Stop stops the worker. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// RunCycle fetches one batch, publishes its rows in id order and marks the batch
// relayed once every publish succeeded. It returns the number of rows marked.
// A publish failure aborts the batch and nothing is marked.
func (w *Worker) RunCycle(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "Worker.RunCycle")
	defer span.End()

	rows, err := w.store.FetchPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, w.fail(span, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(rows)))

	for i, row := range rows {
		if err := w.publish(ctx, row); err != nil {
			slog.WarnContext(ctx, "Failed to publish outbox message, aborting batch",
				"outbox_id", row.ID,
				"published", i,
				"batch", len(rows),
				"error", err,
			)

			return 0, w.fail(span, fmt.Errorf("outbox row %d: %w", row.ID, err))
		}
	}

	ids := outbox.IDs(rows)
	if err := w.store.MarkRelayed(ctx, ids); err != nil {
		// Everything in the batch was published; the next cycle republishes it.
		return 0, w.fail(span, err)
	}

	slog.InfoContext(ctx, "Relayed outbox messages", "count", len(ids), "first_id", ids[0], "last_id", ids[len(ids)-1])

	return len(ids), nil
}

func (w *Worker) publish(ctx context.Context, row outbox.Row) error {
	ctx, span := w.tracer.Start(ctx, "Worker.publish", trace.WithAttributes(
		attribute.Int64("outbox.id", row.ID),
		attribute.String("messaging.destination.name", w.cfg.Queue),
	))
	defer span.End()

	if err := w.publisher.Publish(ctx, w.cfg.Queue, row.Payload); err != nil {
		return w.fail(span, err)
	}

	return nil
}

func (w *Worker) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return err
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
	}
}
