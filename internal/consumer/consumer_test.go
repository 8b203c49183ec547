package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/retry"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/stretchr/testify/require"
)

// fakeMetadata returns a fixed attempt count and records transitions.
type fakeMetadata struct {
	mu       sync.Mutex
	attempts int
	statuses map[string]models.EventStatus
}

func newFakeMetadata(attempts int) *fakeMetadata {
	return &fakeMetadata{attempts: attempts, statuses: make(map[string]models.EventStatus)}
}

func (f *fakeMetadata) set(id string, st models.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
	return nil
}

func (f *fakeMetadata) status(id string) models.EventStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeMetadata) Create(ctx context.Context, meta *models.EventMetadata) error { return nil }
func (f *fakeMetadata) CreateBatch(ctx context.Context, metas []*models.EventMetadata) error {
	return nil
}

func (f *fakeMetadata) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	return f.attempts, f.set(eventID, models.StatusProcessing)
}

func (f *fakeMetadata) MarkCompleted(ctx context.Context, eventID string) error {
	return f.set(eventID, models.StatusCompleted)
}

func (f *fakeMetadata) MarkFailed(ctx context.Context, eventID, lastError string) error {
	return f.set(eventID, models.StatusFailed)
}

func (f *fakeMetadata) MarkDLQ(ctx context.Context, eventID, reason string) error {
	return f.set(eventID, models.StatusDLQ)
}

func (f *fakeMetadata) ResetForRetry(ctx context.Context, eventID string) error {
	return f.set(eventID, models.StatusPending)
}

func (f *fakeMetadata) GetByEventID(ctx context.Context, eventID string) (*models.EventMetadata, error) {
	return nil, nil
}

func (f *fakeMetadata) FindByFilter(ctx context.Context, filter repository.MetadataFilter, limit, offset int) ([]models.EventMetadata, error) {
	return nil, nil
}

func (f *fakeMetadata) CountByFilter(ctx context.Context, filter repository.MetadataFilter) (int64, error) {
	return 0, nil
}

// brokenStore fails every group read.
type brokenStore struct {
	*stream.MemoryStore
}

func (b *brokenStore) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]stream.Entry, error) {
	return nil, errors.New("connection reset")
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{StreamPrefix: "bus:events", Partitions: 2}
}

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		Group:             "test-group",
		BatchSize:         16,
		BlockTimeout:      20 * time.Millisecond,
		DispatchTimeout:   time.Second,
		VisibilityTimeout: time.Minute,
		ClaimInterval:     time.Hour,
		MaxReadFailures:   3,
		ReadBackoffCap:    time.Millisecond,
		Loops:             1,
		CircuitStream:     "bus:circuit",
	}
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		DispatchBatch: 100,
		DLQStream:     "bus:dlq",
		DLQMaxLen:     100,
		DLQWarnRatio:  0.9,
	}
}

func setup(t *testing.T, attempts int) (*Consumer, *stream.MemoryStore, *bus.Registry, *fakeMetadata, *retry.Manager) {
	t.Helper()
	store := stream.NewMemoryStore()
	meta := newFakeMetadata(attempts)
	registry := bus.NewRegistry()
	retryMgr := retry.NewManager(store, store, meta, testBusConfig(), testRetryConfig())
	c := New(store, registry, retryMgr, meta, testBusConfig(), testConsumerConfig())
	return c, store, registry, meta, retryMgr
}

func appendEvent(t *testing.T, store *stream.MemoryStore, evt *bus.Envelope) string {
	t.Helper()
	payload, err := evt.Marshal()
	require.NoError(t, err)
	streamName := "bus:events:0"
	if evt.Partition(2) == 1 {
		streamName = "bus:events:1"
	}
	_, err = store.Append(context.Background(), streamName, payload)
	require.NoError(t, err)
	return streamName
}

func runConsumer(t *testing.T, c *Consumer) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestConsumerDispatchesAndAcks(t *testing.T) {
	c, store, registry, meta, _ := setup(t, 1)

	var mu sync.Mutex
	var received []string
	require.NoError(t, registry.Register("approval.*", "collector", 0, bus.HandlerFunc(
		func(ctx context.Context, evt *bus.Envelope) error {
			mu.Lock()
			received = append(received, evt.ID)
			mu.Unlock()
			return nil
		})))

	evt := bus.NewEnvelope("approval.approved", nil, bus.Context{TenantID: "t", UserID: "u"})
	streamName := appendEvent(t, store, evt)

	stop := runConsumer(t, c)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == evt.ID
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := store.PendingCount(context.Background(), streamName, "test-group")
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "settled entries are acknowledged")

	require.Eventually(t, func() bool {
		return meta.status(evt.ID) == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerSchedulesRetryOnHandlerFailure(t *testing.T) {
	c, store, registry, meta, _ := setup(t, 1)

	require.NoError(t, registry.Register("approval.*", "flaky", 0, bus.HandlerFunc(
		func(ctx context.Context, evt *bus.Envelope) error {
			return errors.New("boom")
		})))

	evt := bus.NewEnvelope("approval.approved", nil, bus.Context{TenantID: "t", UserID: "u"})
	streamName := appendEvent(t, store, evt)

	stop := runConsumer(t, c)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		size, err := store.Size(context.Background())
		return err == nil && size == 1
	}, 2*time.Second, 10*time.Millisecond, "a delayed retry is scheduled")

	require.Eventually(t, func() bool {
		pending, err := store.PendingCount(context.Background(), streamName, "test-group")
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "the original entry is acked once the retry is owned")

	require.Equal(t, models.StatusFailed, meta.status(evt.ID))
}

func TestConsumerDeadLettersPastBudget(t *testing.T) {
	// MarkProcessing reports the fourth delivery attempt.
	c, store, registry, meta, retryMgr := setup(t, 4)

	require.NoError(t, registry.Register("approval.*", "flaky", 0, bus.HandlerFunc(
		func(ctx context.Context, evt *bus.Envelope) error {
			return errors.New("boom")
		})))

	evt := bus.NewEnvelope("approval.approved", nil, bus.Context{TenantID: "t", UserID: "u"})
	appendEvent(t, store, evt)

	stop := runConsumer(t, c)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		size, err := retryMgr.DLQSize(context.Background())
		return err == nil && size == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := retryMgr.ListDLQ(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, evt.ID, entries[0].Envelope.ID)
	require.Equal(t, 4, entries[0].OriginalAttempts)
	require.Equal(t, models.StatusDLQ, meta.status(evt.ID))

	size, err := store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size, "no retry is scheduled past the budget")
}

func TestConsumerAcksUndecodableEntry(t *testing.T) {
	c, store, _, _, _ := setup(t, 1)

	_, err := store.Append(context.Background(), "bus:events:0", []byte("{not json"))
	require.NoError(t, err)

	stop := runConsumer(t, c)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		pending, err := store.PendingCount(context.Background(), "bus:events:0", "test-group")
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "poison entries are dropped, not redelivered forever")
}

func TestConsumerCircuitBreaker(t *testing.T) {
	store := &brokenStore{stream.NewMemoryStore()}
	meta := newFakeMetadata(1)
	retryMgr := retry.NewManager(store, store.MemoryStore, meta, testBusConfig(), testRetryConfig())
	c := New(store, bus.NewRegistry(), retryMgr, meta, testBusConfig(), testConsumerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.ErrorIs(t, err, bus.ErrCircuitOpen)

	// The trip leaves a marker on the shared store so the API process can
	// report it.
	n, err := store.Len(context.Background(), "bus:circuit")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestConsumerRunClearsCircuitMarker(t *testing.T) {
	c, store, _, _, _ := setup(t, 1)

	_, err := store.Append(context.Background(), "bus:circuit", []byte(`{"consumer":"stale"}`))
	require.NoError(t, err)

	stop := runConsumer(t, c)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		n, err := store.Len(context.Background(), "bus:circuit")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "a clean start closes the breaker")
}
