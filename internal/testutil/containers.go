//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage    = "postgres:16-alpine"
	rabbitmqImage    = "rabbitmq:3.13-alpine"
	testUser         = "outbox"
	testPassword     = "outbox"
	testDatabase     = "outbox"
	startupTimeout   = 2 * time.Minute
	defaultOpTimeout = 5 * time.Second
)

// StartPostgres starts a Postgres container, applies the outbox migrations and
// returns a connected client. The test is skipped when Docker is unavailable.
func StartPostgres(t *testing.T, ctx context.Context) *postgres.Client {
	t.Helper()

	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
			"POSTGRES_DB":       testDatabase,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, mappedPort := endpoint(t, ctx, container, port)
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser,
		testPassword,
		host,
		mappedPort,
		testDatabase,
	)

	client, err := postgres.NewClient(ctx, postgres.Config{
		DSN:            dsn,
		MaxConns:       4,
		ConnectTimeout: defaultOpTimeout,
	})
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return client
}

// StartRabbitMQ starts a RabbitMQ container and returns its AMQP URL.
// The test is skipped when Docker is unavailable.
func StartRabbitMQ(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("5672/tcp")
	req := testcontainers.ContainerRequest{
		Image:        rabbitmqImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": testUser,
			"RABBITMQ_DEFAULT_PASS": testPassword,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort(port),
		).WithDeadline(startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, mappedPort := endpoint(t, ctx, container, port)

	return fmt.Sprintf("amqp://%s:%s@%s:%s/", testUser, testPassword, host, mappedPort)
}

func endpoint(t *testing.T, ctx context.Context, container testcontainers.Container, port nat.Port) (string, string) {
	t.Helper()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return host, mappedPort.Port()
}
