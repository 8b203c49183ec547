package handlers

import (
	"context"
	"net/http"
	"testing"

	"example.com/platform/services/eventbus/internal/bus"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// stubPublisher validates like the real publisher but publishes nowhere.
type stubPublisher struct {
	err       error
	published []*bus.Envelope
}

func (s *stubPublisher) Publish(ctx context.Context, eventType string, data map[string]interface{}, busCtx bus.Context) (*bus.Envelope, error) {
	if s.err != nil {
		return nil, s.err
	}
	evt := bus.NewEnvelope(eventType, data, busCtx)
	s.published = append(s.published, evt)
	return evt, nil
}

func (s *stubPublisher) PublishBatch(ctx context.Context, eventType string, datas []map[string]interface{}, busCtx bus.Context) ([]*bus.Envelope, error) {
	if s.err != nil {
		return nil, s.err
	}
	var evts []*bus.Envelope
	for _, data := range datas {
		evt := bus.NewEnvelope(eventType, data, busCtx)
		s.published = append(s.published, evt)
		evts = append(evts, evt)
	}
	return evts, nil
}

func newEventRouter(pub EventPublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewEventHandler(pub).RegisterRoutes(router)
	return router
}

func TestHandlePublish(t *testing.T) {
	pub := &stubPublisher{}
	router := newEventRouter(pub)

	w := doRequest(router, http.MethodPost, "/events", PublishRequest{
		Type:    "approval.approved",
		Data:    map[string]interface{}{"doc": "42"},
		Context: bus.Context{TenantID: "tenant-a", UserID: "user-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.published, 1)
	require.Contains(t, w.Body.String(), pub.published[0].ID)
}

func TestHandlePublishRequiresType(t *testing.T) {
	router := newEventRouter(&stubPublisher{})

	w := doRequest(router, http.MethodPost, "/events", map[string]interface{}{
		"data": map[string]interface{}{"doc": "42"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePublishValidationError(t *testing.T) {
	router := newEventRouter(&stubPublisher{
		err: &bus.ValidationError{Field: "TenantID", Message: "required field is missing"},
	})

	w := doRequest(router, http.MethodPost, "/events", PublishRequest{Type: "approval.approved"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "TenantID")
}

func TestHandlePublishBrokerUnavailable(t *testing.T) {
	router := newEventRouter(&stubPublisher{err: bus.ErrBrokerUnavailable})

	w := doRequest(router, http.MethodPost, "/events", PublishRequest{
		Type:    "approval.approved",
		Context: bus.Context{TenantID: "t", UserID: "u"},
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlePublishBatch(t *testing.T) {
	pub := &stubPublisher{}
	router := newEventRouter(pub)

	w := doRequest(router, http.MethodPost, "/events/batch", PublishBatchRequest{
		Type: "approval.approved",
		Events: []map[string]interface{}{
			{"doc": "1"}, {"doc": "2"},
		},
		Context: bus.Context{TenantID: "tenant-a", UserID: "user-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.published, 2)
}

func TestHandlePublishBatchRequiresEvents(t *testing.T) {
	router := newEventRouter(&stubPublisher{})

	w := doRequest(router, http.MethodPost, "/events/batch", map[string]interface{}{
		"type": "approval.approved",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
