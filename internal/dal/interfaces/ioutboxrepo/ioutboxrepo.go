package ioutboxrepo

import (
	"context"
	"encoding/json"

	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	"github.com/corray333/backend-labs/relay/internal/service/models/outbox"
)

// IOutboxRepository defines the interface for outbox operations.
type IOutboxRepository interface {
	// FetchPending returns up to limit unrelayed rows in ascending id order
	FetchPending(ctx context.Context, limit int) ([]outbox.Row, error)

	// MarkRelayed sets relayed_at for exactly the given ids, all or nothing
	MarkRelayed(ctx context.Context, ids []int64) error

	// PendingCount returns the number of unrelayed rows
	PendingCount(ctx context.Context) (int64, error)

	// Append inserts a pending row through the caller's executor and returns its id
	Append(ctx context.Context, exec postgres.Executor, payload json.RawMessage) (int64, error)
}
