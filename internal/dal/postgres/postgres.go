package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Executor is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config describes how to reach the outbox database.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Client represents a Postgres client.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient creates a connection pool and verifies it with a ping.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", relayerr.ErrConnect, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create postgres pool: %w", relayerr.ErrConnect, err)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("%w: ping postgres: %w", relayerr.ErrConnect, err)
	}

	return &Client{
		pool: pool,
	}, nil
}

// MustNewClient creates a new Postgres client or panics.
func MustNewClient(ctx context.Context, cfg Config) *Client {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		panic(err)
	}

	return client
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// InTx runs fn inside a transaction that is committed when fn returns nil
// and rolled back otherwise.
func (c *Client) InTx(ctx context.Context, fn func(exec Executor) error) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// Migrate applies the embedded goose migrations.
func (c *Client) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(c.pool)
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the database connection for graceful shutdown.
func (c *Client) Close() {
	c.pool.Close()
}
