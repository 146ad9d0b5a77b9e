package producersvc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/corray333/backend-labs/relay/internal/dal/postgres"
	"github.com/stretchr/testify/require"
)

type fakeTransactor struct {
	calls int
	err   error
}

func (f *fakeTransactor) InTx(_ context.Context, fn func(exec postgres.Executor) error) error {
	f.calls++
	if err := fn(nil); err != nil {
		return err
	}

	return f.err
}

type fakeRepository struct {
	payloads []string
	err      error
}

func (f *fakeRepository) Append(_ context.Context, _ postgres.Executor, payload json.RawMessage) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.payloads = append(f.payloads, string(payload))

	return int64(len(f.payloads)), nil
}

func TestProduceAppendsSequentialKeys(t *testing.T) {
	tx := &fakeTransactor{}
	repo := &fakeRepository{}
	svc := MustNewProducerService(WithTransactor(tx), WithOutboxRepository(repo))

	produced, err := svc.Produce(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Equal(t, 3, produced)
	require.Equal(t, []string{`{"key":0}`, `{"key":1}`, `{"key":2}`}, repo.payloads)
	require.Equal(t, 3, tx.calls)
}

func TestProduceStopsOnAppendError(t *testing.T) {
	errDown := errors.New("database is down")
	svc := MustNewProducerService(
		WithTransactor(&fakeTransactor{}),
		WithOutboxRepository(&fakeRepository{err: errDown}),
	)

	produced, err := svc.Produce(context.Background(), 3, 0)
	require.ErrorIs(t, err, errDown)
	require.Zero(t, produced)
}

func TestProduceUntilCancelled(t *testing.T) {
	repo := &fakeRepository{}
	svc := MustNewProducerService(WithTransactor(&fakeTransactor{}), WithOutboxRepository(repo))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	produced, err := svc.Produce(ctx, 0, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Positive(t, produced)
	require.Len(t, repo.payloads, produced)
}

func TestMustNewProducerServicePanicsWithoutDependencies(t *testing.T) {
	require.Panics(t, func() {
		MustNewProducerService()
	})
}
