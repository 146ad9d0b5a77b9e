package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/corray333/backend-labs/relay/internal/service/models/outbox"
	"github.com/stretchr/testify/require"
)

const testQueue = "relayed-messages"

type fakeStore struct {
	mu         sync.Mutex
	rows       map[int64]*outbox.Row
	fetchCalls int
	markCalls  int
	fetchErrs  []error
	markErrs   []error
}

func newFakeStore(count int) *fakeStore {
	s := &fakeStore{rows: map[int64]*outbox.Row{}}
	for i := range count {
		id := int64(i + 1)
		s.rows[id] = &outbox.Row{ID: id, Payload: []byte(fmt.Sprintf(`{"key":%d}`, i))}
	}

	return s
}

func (s *fakeStore) FetchPending(_ context.Context, limit int) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]

		return nil, err
	}

	pending := make([]outbox.Row, 0)
	for _, row := range s.rows {
		if row.Pending() {
			pending = append(pending, *row)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

func (s *fakeStore) MarkRelayed(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markCalls++
	if len(s.markErrs) > 0 {
		err := s.markErrs[0]
		s.markErrs = s.markErrs[1:]

		return err
	}

	now := time.Now()
	for _, id := range ids {
		if row, ok := s.rows[id]; ok && row.Pending() {
			row.RelayedAt = &now
		}
	}

	return nil
}

func (s *fakeStore) pending() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0)
	for id, row := range s.rows {
		if row.Pending() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (s *fakeStore) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetchCalls
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	queues    []string
	failures  map[string][]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failures: map[string][]error{}}
}

// failNext makes the next publish of payload fail with err.
func (p *fakePublisher) failNext(payload string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures[payload] = append(p.failures[payload], err)
}

func (p *fakePublisher) Publish(_ context.Context, queue string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if errs := p.failures[string(payload)]; len(errs) > 0 {
		p.failures[string(payload)] = errs[1:]

		return errs[0]
	}
	p.published = append(p.published, string(payload))
	p.queues = append(p.queues, queue)

	return nil
}

func (p *fakePublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.published...)
}

func newTestWorker(t *testing.T, store store, pub publisher, cfg Config) *Worker {
	t.Helper()

	if cfg.Queue == "" {
		cfg.Queue = testQueue
	}
	w, err := NewWorker(store, pub, cfg)
	require.NoError(t, err)

	return w
}

func TestRunCycleRelaysBatchInOrder(t *testing.T) {
	store := newFakeStore(3)
	pub := newFakePublisher()
	w := newTestWorker(t, store, pub, Config{BatchSize: 10})

	relayed, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, relayed)
	require.Equal(t, []string{`{"key":0}`, `{"key":1}`, `{"key":2}`}, pub.messages())
	require.Equal(t, []string{testQueue, testQueue, testQueue}, pub.queues)
	require.Empty(t, store.pending())
}

func TestRunCyclePublishFailureAbortsBatch(t *testing.T) {
	store := newFakeStore(3)
	pub := newFakePublisher()
	pub.failNext(`{"key":1}`, fmt.Errorf("%w: broker nacked", relayerr.ErrPublish))
	w := newTestWorker(t, store, pub, Config{BatchSize: 10})

	relayed, err := w.RunCycle(context.Background())
	require.ErrorIs(t, err, relayerr.ErrPublish)
	require.Zero(t, relayed)
	require.Equal(t, []string{`{"key":0}`}, pub.messages())
	require.Equal(t, []int64{1, 2, 3}, store.pending())
	require.Zero(t, store.markCalls)

	relayed, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, relayed)
	// Row 1 is delivered twice; at-least-once permits it.
	require.Equal(t, []string{`{"key":0}`, `{"key":0}`, `{"key":1}`, `{"key":2}`}, pub.messages())
	require.Empty(t, store.pending())
}

func TestRunCycleEmptyFetch(t *testing.T) {
	store := newFakeStore(0)
	w := newTestWorker(t, store, newFakePublisher(), Config{})

	relayed, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, relayed)
	require.Zero(t, store.markCalls)
}

func TestRunCycleFetchFailure(t *testing.T) {
	store := newFakeStore(2)
	store.fetchErrs = []error{fmt.Errorf("%w: connection reset", relayerr.ErrStore)}
	pub := newFakePublisher()
	w := newTestWorker(t, store, pub, Config{})

	_, err := w.RunCycle(context.Background())
	require.ErrorIs(t, err, relayerr.ErrStore)
	require.Empty(t, pub.messages())
}

func TestRunCycleCommitFailureRepublishes(t *testing.T) {
	store := newFakeStore(2)
	store.markErrs = []error{fmt.Errorf("%w: connection reset", relayerr.ErrStore)}
	pub := newFakePublisher()
	w := newTestWorker(t, store, pub, Config{})

	_, err := w.RunCycle(context.Background())
	require.ErrorIs(t, err, relayerr.ErrStore)
	require.Equal(t, []int64{1, 2}, store.pending())

	relayed, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, relayed)
	require.Len(t, pub.messages(), 4)
	require.Empty(t, store.pending())
}

func TestRunCycleRespectsBatchSize(t *testing.T) {
	store := newFakeStore(5)
	pub := newFakePublisher()
	w := newTestWorker(t, store, pub, Config{BatchSize: 2})

	relayed, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, relayed)
	require.Equal(t, []int64{3, 4, 5}, store.pending())
}

func TestNewWorkerRejectsReservedQueue(t *testing.T) {
	_, err := NewWorker(newFakeStore(0), newFakePublisher(), Config{Queue: "reserved.dlx.orders"})
	require.ErrorIs(t, err, relayerr.ErrInvalidQueueName)
}

func TestStartDrainsBacklogWithoutIdleDelay(t *testing.T) {
	store := newFakeStore(5)
	w := newTestWorker(t, store, newFakePublisher(), Config{BatchSize: 2, IdleDelay: time.Hour})

	done := runWorker(t, w)

	require.Eventually(t, func() bool {
		return len(store.pending()) == 0
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	require.NoError(t, <-done)
}

func TestStartWaitsIdleDelayOnEmptyFetch(t *testing.T) {
	store := newFakeStore(0)
	w := newTestWorker(t, store, newFakePublisher(), Config{IdleDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.LessOrEqual(t, store.fetches(), 4)
	require.GreaterOrEqual(t, store.fetches(), 2)
}

func TestStartRetriesAfterStoreFailure(t *testing.T) {
	store := newFakeStore(3)
	store.fetchErrs = []error{
		fmt.Errorf("%w: connection refused", relayerr.ErrStore),
		fmt.Errorf("%w: connection refused", relayerr.ErrStore),
	}
	pub := newFakePublisher()
	pub.failNext(`{"key":2}`, fmt.Errorf("%w: channel closed", relayerr.ErrPublish))
	w := newTestWorker(t, store, pub, Config{RetryDelay: 5 * time.Millisecond, IdleDelay: 5 * time.Millisecond})

	done := runWorker(t, w)

	require.Eventually(t, func() bool {
		return len(store.pending()) == 0
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	require.NoError(t, <-done)
}

func TestStartStopsOnConfigurationError(t *testing.T) {
	store := newFakeStore(1)
	pub := newFakePublisher()
	pub.failNext(`{"key":0}`, fmt.Errorf("%w: queue %q", relayerr.ErrQueueConflict, testQueue))
	w := newTestWorker(t, store, pub, Config{RetryDelay: time.Hour})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, relayerr.ErrQueueConflict)
	require.Equal(t, []int64{1}, store.pending())
}

func TestStopIsIdempotent(t *testing.T) {
	w := newTestWorker(t, newFakeStore(0), newFakePublisher(), Config{IdleDelay: time.Hour})

	done := runWorker(t, w)

	w.Stop()
	w.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStartReturnsOnCanceledContextDuringRetry(t *testing.T) {
	store := newFakeStore(0)
	store.fetchErrs = []error{errors.New("unexpected")}
	w := newTestWorker(t, store, newFakePublisher(), Config{RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return store.fetches() == 1
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func runWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- w.Start(context.Background())
	}()
	t.Cleanup(w.Stop)

	return done
}
