package main

import (
	"context"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/relay/internal/app"
	"github.com/corray333/backend-labs/relay/internal/config"
	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	outboxrepo "github.com/corray333/backend-labs/relay/internal/dal/repositories/outbox/postgres"
	"github.com/corray333/backend-labs/relay/internal/service/services/producersvc"
	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	var migrate bool
	root := &cobra.Command{
		Use:   "outbox-relay",
		Short: "Relays transactional outbox rows from Postgres to RabbitMQ",
		Long: `outbox-relay polls the messages_outbox table for rows that have not been
relayed yet, publishes each one as a persistent message to the configured
RabbitMQ queue and marks the batch relayed once every publish was confirmed.

Delivery is at-least-once: consumers must tolerate duplicates.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			config.SetupLogger(cfg.Log.Level)
			c.cfg = cfg

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), migrate)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config.yaml")
	root.Flags().BoolVar(&migrate, "migrate", false, "apply outbox migrations before relaying")

	root.AddCommand(c.newRunCmd(), c.newMigrateCmd(), c.newProduceCmd(), c.newPendingCmd())

	return root
}

func (c *cli) newRunCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay loop and the ops HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply outbox migrations before relaying")

	return cmd
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the messages_outbox table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.postgres(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Migrate(cmd.Context())
		},
	}
}

func (c *cli) newProduceCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: `Append demo events {"key": n} to the outbox`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.postgres(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			svc := producersvc.MustNewProducerService(
				producersvc.WithTransactor(client),
				producersvc.WithOutboxRepository(outboxrepo.NewOutboxRepository(client)),
			)

			produced, err := svc.Produce(cmd.Context(), count, interval)
			fmt.Fprintf(cmd.OutOrStdout(), "produced %d events\n", produced)

			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of events to produce, 0 for unbounded")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "pause between events")

	return cmd
}

func (c *cli) newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of rows waiting to be relayed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.postgres(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			count, err := outboxrepo.NewOutboxRepository(client).PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)

			return nil
		},
	}
}

func (c *cli) run(ctx context.Context, migrate bool) error {
	a, err := app.New(ctx, c.cfg, app.WithMigrations(migrate))
	if err != nil {
		return err
	}

	return a.Run(ctx)
}

func (c *cli) postgres(ctx context.Context) (*postgres.Client, error) {
	return postgres.NewClient(ctx, postgres.Config{
		DSN:            c.cfg.Postgres.ConnString(),
		MaxConns:       c.cfg.Postgres.MaxConns,
		ConnectTimeout: c.cfg.Postgres.ConnectTimeout,
	})
}
