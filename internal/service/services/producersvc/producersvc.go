package producersvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
)

type transactor interface {
	InTx(ctx context.Context, fn func(exec postgres.Executor) error) error
}

type outboxRepository interface {
	Append(ctx context.Context, exec postgres.Executor, payload json.RawMessage) (int64, error)
}

// ProducerService writes demo events into the outbox the way a business
// transaction would.
type ProducerService struct {
	tx         transactor
	outboxRepo outboxRepository
}

// option is a function that configures the ProducerService.
type option func(*ProducerService)

// MustNewProducerService creates a new ProducerService.
func MustNewProducerService(opts ...option) *ProducerService {
	s := &ProducerService{}
	for _, opt := range opts {
		opt(s)
	}

	if s.tx == nil || s.outboxRepo == nil {
		panic("producersvc: transactor and outbox repository are required")
	}

	return s
}

// WithTransactor sets the transaction runner for the ProducerService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithTransactor(tx transactor) option {
	return func(s *ProducerService) {
		s.tx = tx
	}
}

// WithOutboxRepository sets the outbox repository for the ProducerService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxRepository(repo outboxRepository) option {
	return func(s *ProducerService) {
		s.outboxRepo = repo
	}
}

type event struct {
	Key int `json:"key"`
}

// Produce appends count events {"key": n}, one transaction each, pausing interval
// between them. A count of zero produces until ctx is cancelled.
func (s *ProducerService) Produce(ctx context.Context, count int, interval time.Duration) (int, error) {
	produced := 0
	for count == 0 || produced < count {
		if err := ctx.Err(); err != nil {
			if count == 0 && errors.Is(err, context.Canceled) {
				return produced, nil
			}

			return produced, err
		}

		payload, err := json.Marshal(event{Key: produced})
		if err != nil {
			return produced, fmt.Errorf("marshal event: %w", err)
		}

		var id int64
		err = s.tx.InTx(ctx, func(exec postgres.Executor) error {
			id, err = s.outboxRepo.Append(ctx, exec, payload)

			return err
		})
		if err != nil {
			return produced, fmt.Errorf("append outbox event %d: %w", produced, err)
		}

		slog.Info("Produced outbox event", "outbox_id", id, "key", produced)
		produced++

		if interval > 0 && (count == 0 || produced < count) {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	return produced, nil
}
