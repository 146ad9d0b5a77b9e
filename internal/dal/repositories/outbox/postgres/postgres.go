package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/relay/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/corray333/backend-labs/relay/internal/service/models/outbox"
)

const tableName = "messages_outbox"

var (
	// ErrInvalidLimit is returned when FetchPending is called with a non-positive limit.
	ErrInvalidLimit = errors.New("outbox fetch limit must be positive")
	// ErrInvalidPayload is returned when Append receives a payload that is not valid JSON.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
)

var _ ioutboxrepo.IOutboxRepository = (*OutboxRepository)(nil)

// OutboxRepository implements the outbox repository for PostgreSQL.
type OutboxRepository struct {
	client *postgres.Client
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(client *postgres.Client) *OutboxRepository {
	return &OutboxRepository{
		client: client,
	}
}

// FetchPending retrieves up to limit rows that have not been relayed, oldest id first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]outbox.Row, error) {
	query, args, err := fetchPendingQuery(limit)
	if err != nil {
		return nil, err
	}

	rows, err := r.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending outbox rows: %w", relayerr.ErrStore, err)
	}
	defer rows.Close()

	messages := make([]outbox.Row, 0, limit)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan outbox row: %w", relayerr.ErrStore, err)
		}
		messages = append(messages, outbox.Row{
			ID:      id,
			Payload: json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate outbox rows: %w", relayerr.ErrStore, err)
	}

	return messages, nil
}

// MarkRelayed stamps relayed_at on every given id in a single transaction.
// Ids that are already relayed keep their original timestamp.
func (r *OutboxRepository) MarkRelayed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := markRelayedQuery(ids)
	if err != nil {
		return err
	}

	err = r.client.InTx(ctx, func(exec postgres.Executor) error {
		_, err := exec.Exec(ctx, query, args...)

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: mark outbox rows relayed: %w", relayerr.ErrStore, err)
	}

	return nil
}

// PendingCount returns the number of rows waiting to be relayed.
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(tableName).
		Where(sq.Eq{"relayed_at": nil}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	if err := r.client.Pool().QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count pending outbox rows: %w", relayerr.ErrStore, err)
	}

	return count, nil
}

// Append inserts a pending row using exec, which is normally the caller's transaction.
func (r *OutboxRepository) Append(
	ctx context.Context,
	exec postgres.Executor,
	payload json.RawMessage,
) (int64, error) {
	if !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}

	query, args, err := appendQuery(payload)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := exec.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: insert outbox row: %w", relayerr.ErrStore, err)
	}

	return id, nil
}

func fetchPendingQuery(limit int) (string, []any, error) {
	if limit <= 0 {
		return "", nil, ErrInvalidLimit
	}

	query, args, err := sq.Select("id", "payload").
		From(tableName).
		Where(sq.Eq{"relayed_at": nil}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build select query: %w", err)
	}

	return query, args, nil
}

func markRelayedQuery(ids []int64) (string, []any, error) {
	query, args, err := sq.Update(tableName).
		Set("relayed_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"relayed_at": nil}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build update query: %w", err)
	}

	return query, args, nil
}

func appendQuery(payload json.RawMessage) (string, []any, error) {
	query, args, err := sq.Insert(tableName).
		Columns("payload").
		Values([]byte(payload)).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	return query, args, nil
}
