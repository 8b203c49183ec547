package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock metadata repository for testing
type MockMetadataRepository struct {
	mock.Mock
}

func (m *MockMetadataRepository) Create(ctx context.Context, meta *models.EventMetadata) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

func (m *MockMetadataRepository) CreateBatch(ctx context.Context, metas []*models.EventMetadata) error {
	args := m.Called(ctx, metas)
	return args.Error(0)
}

func (m *MockMetadataRepository) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	args := m.Called(ctx, eventID)
	return args.Int(0), args.Error(1)
}

func (m *MockMetadataRepository) MarkCompleted(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockMetadataRepository) MarkFailed(ctx context.Context, eventID, lastError string) error {
	args := m.Called(ctx, eventID, lastError)
	return args.Error(0)
}

func (m *MockMetadataRepository) MarkDLQ(ctx context.Context, eventID, reason string) error {
	args := m.Called(ctx, eventID, reason)
	return args.Error(0)
}

func (m *MockMetadataRepository) ResetForRetry(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockMetadataRepository) GetByEventID(ctx context.Context, eventID string) (*models.EventMetadata, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EventMetadata), args.Error(1)
}

func (m *MockMetadataRepository) FindByFilter(ctx context.Context, f repository.MetadataFilter, limit, offset int) ([]models.EventMetadata, error) {
	args := m.Called(ctx, f, limit, offset)
	return args.Get(0).([]models.EventMetadata), args.Error(1)
}

func (m *MockMetadataRepository) CountByFilter(ctx context.Context, f repository.MetadataFilter) (int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(int64), args.Error(1)
}

// failingStore wraps the memory store and rejects every append.
type failingStore struct {
	*stream.MemoryStore
}

func (f *failingStore) Append(ctx context.Context, s string, payload []byte) (string, error) {
	return "", errors.New("connection refused")
}

func busConfig() config.BusConfig {
	return config.BusConfig{
		StreamPrefix:   "bus:events",
		Partitions:     4,
		MaxStreamLen:   1000,
		PublishRetries: 2,
		PublishBackoff: time.Millisecond,
	}
}

func TestPublishAppendsToPartitionStream(t *testing.T) {
	store := stream.NewMemoryStore()
	repo := new(MockMetadataRepository)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*models.EventMetadata")).Return(nil)

	p := New(store, repo, busConfig())

	evt, err := p.Publish(context.Background(), "approval.approved",
		map[string]interface{}{"doc": "42"},
		bus.Context{TenantID: "tenant-a", UserID: "user-1"})
	require.NoError(t, err)
	require.NotEmpty(t, evt.ID)

	entries, err := store.Range(context.Background(), p.StreamFor(evt), "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	decoded, err := bus.UnmarshalEnvelope(entries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, evt.ID, decoded.ID)
	require.Equal(t, "approval.approved", decoded.Type)

	repo.AssertExpectations(t)
}

func TestPublishRejectsMalformedType(t *testing.T) {
	p := New(stream.NewMemoryStore(), new(MockMetadataRepository), busConfig())

	for _, typ := range []string{"", "approval.", "approval.*", ".approved"} {
		_, err := p.Publish(context.Background(), typ, nil,
			bus.Context{TenantID: "t", UserID: "u"})

		var vErr *bus.ValidationError
		require.ErrorAs(t, err, &vErr, "type %q must be rejected", typ)
		require.Equal(t, "type", vErr.Field)
	}
}

func TestPublishRequiresTenantAndUser(t *testing.T) {
	p := New(stream.NewMemoryStore(), new(MockMetadataRepository), busConfig())

	var vErr *bus.ValidationError
	_, err := p.Publish(context.Background(), "approval.approved", nil, bus.Context{UserID: "u"})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "TenantID", vErr.Field)

	_, err = p.Publish(context.Background(), "approval.approved", nil, bus.Context{TenantID: "t"})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "UserID", vErr.Field)
}

func TestPublishBrokerUnavailable(t *testing.T) {
	store := &failingStore{stream.NewMemoryStore()}
	p := New(store, new(MockMetadataRepository), busConfig())

	_, err := p.Publish(context.Background(), "approval.approved", nil,
		bus.Context{TenantID: "t", UserID: "u"})
	require.ErrorIs(t, err, bus.ErrBrokerUnavailable)
}

func TestPublishSurvivesMetadataFailure(t *testing.T) {
	store := stream.NewMemoryStore()
	repo := new(MockMetadataRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	p := New(store, repo, busConfig())

	evt, err := p.Publish(context.Background(), "approval.approved", nil,
		bus.Context{TenantID: "t", UserID: "u"})
	require.NoError(t, err, "metadata is best-effort, the append already succeeded")
	require.NotNil(t, evt)
}

func TestPublishBatch(t *testing.T) {
	store := stream.NewMemoryStore()
	repo := new(MockMetadataRepository)
	repo.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)

	p := New(store, repo, busConfig())

	datas := []map[string]interface{}{
		{"doc": "1"}, {"doc": "2"}, {"doc": "3"},
	}
	evts, err := p.PublishBatch(context.Background(), "approval.approved", datas,
		bus.Context{TenantID: "tenant-a", UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, evts, 3)

	// All share tenant and module, so they land on one stream in order.
	entries, err := store.Range(context.Background(), p.StreamFor(evts[0]), "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	seen := make(map[string]bool)
	for _, evt := range evts {
		require.False(t, seen[evt.ID], "every event gets its own ID")
		seen[evt.ID] = true
	}

	repo.AssertExpectations(t)
}

func TestPublishBatchTrimsStream(t *testing.T) {
	store := stream.NewMemoryStore()
	repo := new(MockMetadataRepository)
	repo.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)

	cfg := busConfig()
	cfg.MaxStreamLen = 2
	p := New(store, repo, cfg)

	datas := []map[string]interface{}{
		{"doc": "1"}, {"doc": "2"}, {"doc": "3"}, {"doc": "4"}, {"doc": "5"},
	}
	evts, err := p.PublishBatch(context.Background(), "approval.approved", datas,
		bus.Context{TenantID: "tenant-a", UserID: "user-1"})
	require.NoError(t, err)

	size, err := store.Len(context.Background(), p.StreamFor(evts[0]))
	require.NoError(t, err)
	require.Equal(t, int64(2), size, "the batch path keeps the stream at its bound")
}

func TestPublishBatchEmpty(t *testing.T) {
	p := New(stream.NewMemoryStore(), new(MockMetadataRepository), busConfig())

	evts, err := p.PublishBatch(context.Background(), "approval.approved", nil,
		bus.Context{TenantID: "t", UserID: "u"})
	require.NoError(t, err)
	require.Empty(t, evts)
}
