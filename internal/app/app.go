package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corray333/backend-labs/relay/internal/config"
	"github.com/corray333/backend-labs/relay/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	"github.com/corray333/backend-labs/relay/internal/dal/rabbitmq"
	outboxrepo "github.com/corray333/backend-labs/relay/internal/dal/repositories/outbox/postgres"
	"github.com/corray333/backend-labs/relay/internal/otel"
	httptransport "github.com/corray333/backend-labs/relay/internal/transport/http"
	outboxworker "github.com/corray333/backend-labs/relay/internal/worker/outbox"
	"golang.org/x/sync/errgroup"
)

// App represents the relay application and owns every connection it opens.
type App struct {
	cfg            *config.Config
	outboxWorker   *outboxworker.Worker
	transport      *httptransport.HTTPTransport
	rabbitMqClient *rabbitmq.Client
	postgresClient *postgres.Client
	otelController *otel.OtelController
}

// Option configures the application.
type Option func(*options)

type options struct {
	migrate bool
}

// WithMigrations applies the outbox migrations before the relay starts.
func WithMigrations(migrate bool) Option {
	return func(o *options) {
		o.migrate = migrate
	}
}

// New connects to Postgres and RabbitMQ, provisions the destination queue and wires
// the relay worker and the ops HTTP server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.otelController, err = otel.InitOtel(cfg.Jaeger.Endpoint)
	if err != nil {
		return nil, err
	}

	a.postgresClient, err = postgres.NewClient(ctx, postgres.Config{
		DSN:            cfg.Postgres.ConnString(),
		MaxConns:       cfg.Postgres.MaxConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Postgres connected")

	if o.migrate {
		if err := a.postgresClient.Migrate(ctx); err != nil {
			return nil, err
		}
		slog.Info("Outbox migrations applied")
	}

	a.rabbitMqClient, err = rabbitmq.Connect(
		cfg.RabbitMQ.ConnURL(),
		rabbitmq.WithConnectTimeout(cfg.RabbitMQ.ConnectTimeout),
		rabbitmq.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
	)
	if err != nil {
		return nil, err
	}

	// Surface a bad or conflicting destination before the first cycle.
	if err := a.rabbitMqClient.EnsureQueue(cfg.Relay.Queue); err != nil {
		return nil, fmt.Errorf("provision queue %q: %w", cfg.Relay.Queue, err)
	}

	var outboxRepository ioutboxrepo.IOutboxRepository = outboxrepo.NewOutboxRepository(a.postgresClient)

	a.outboxWorker, err = outboxworker.NewWorker(outboxRepository, a.rabbitMqClient, outboxworker.Config{
		Queue:      cfg.Relay.Queue,
		BatchSize:  cfg.Relay.BatchSize,
		IdleDelay:  cfg.Relay.IdleDelay,
		RetryDelay: cfg.Relay.RetryDelay,
	})
	if err != nil {
		return nil, err
	}

	a.transport = httptransport.NewHTTPTransport(outboxRepository, cfg.HTTP, otel.ServiceName)
	a.transport.RegisterRoutes()

	return a, nil
}

// MustNewApp creates a new application or panics.
func MustNewApp(ctx context.Context, cfg *config.Config, opts ...Option) *App {
	a, err := New(ctx, cfg, opts...)
	if err != nil {
		panic(err)
	}

	return a
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting outbox worker")

		return a.outboxWorker.Start(gctx)
	})

	g.Go(func() error {
		slog.Info("Starting HTTP server", "port", a.cfg.HTTP.Port)

		return a.transport.Run()
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received")
		a.outboxWorker.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := a.transport.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped gracefully")
		}

		return nil
	})

	err := g.Wait()
	a.release()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Application shutdown complete")

	return nil
}

// release closes the broker, Postgres and tracing in that order.
func (a *App) release() {
	if a.rabbitMqClient != nil {
		if err := a.rabbitMqClient.Close(); err != nil {
			slog.Error("RabbitMQ connection close error", "error", err)
		} else {
			slog.Info("RabbitMQ connection closed gracefully")
		}
	}

	if a.postgresClient != nil {
		a.postgresClient.Close()
		slog.Info("Database connection closed gracefully")
	}

	if a.otelController != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := a.otelController.Shutdown(ctx); err != nil {
			slog.Error("Otel trace provider close error", "error", err)
		} else {
			slog.Info("Otel trace provider closed gracefully")
		}
	}
}
