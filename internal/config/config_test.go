package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
postgres:
  host: db
  user: relay
  password: secret
  database: events
rabbitmq:
  host: broker
  vhost: outbox
  publish_timeout: 2s
relay:
  queue: orders
  batch_size: 25
  idle_delay: 250ms
http:
  port: 9000
  cors:
    allowed_origins: ["https://ops.example.com"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "host=db port=5432 user=relay password=secret dbname=events sslmode=disable", cfg.Postgres.ConnString())
	require.Equal(t, "orders", cfg.Relay.Queue)
	require.Equal(t, 25, cfg.Relay.BatchSize)
	require.Equal(t, 250*time.Millisecond, cfg.Relay.IdleDelay)
	require.Equal(t, 5*time.Second, cfg.Relay.RetryDelay)
	require.Equal(t, 2*time.Second, cfg.RabbitMQ.PublishTimeout)
	require.Equal(t, 9000, cfg.HTTP.Port)
	require.Equal(t, []string{"https://ops.example.com"}, cfg.HTTP.CORS.AllowedOrigins)

	uri, err := amqp.ParseURI(cfg.RabbitMQ.ConnURL())
	require.NoError(t, err)
	require.Equal(t, "broker", uri.Host)
	require.Equal(t, 5672, uri.Port)
	require.Equal(t, "guest", uri.Username)
	require.Equal(t, "outbox", uri.Vhost)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "relay:\n  queue: orders\n")
	t.Setenv("OUTBOX_RELAY_QUEUE", "invoices")
	t.Setenv("OUTBOX_POSTGRES_DSN", "postgres://u:p@db:5432/outbox")
	t.Setenv("OUTBOX_RABBITMQ_URL", "amqp://u:p@broker:5672/")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "invoices", cfg.Relay.Queue)
	require.Equal(t, "postgres://u:p@db:5432/outbox", cfg.Postgres.ConnString())
	require.Equal(t, "amqp://u:p@broker:5672/", cfg.RabbitMQ.ConnURL())
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "relayed-messages", cfg.Relay.Queue)
	require.Equal(t, 100, cfg.Relay.BatchSize)
	require.Equal(t, time.Second, cfg.Relay.IdleDelay)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsReservedQueue(t *testing.T) {
	path := writeConfig(t, "relay:\n  queue: reserved.dlx.orders\n")

	_, err := Load(path)
	require.ErrorIs(t, err, relayerr.ErrInvalidQueueName)
}

func TestValidateRejectsBadBatchSize(t *testing.T) {
	path := writeConfig(t, "relay:\n  batch_size: 0\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "relay.batch_size")
}
