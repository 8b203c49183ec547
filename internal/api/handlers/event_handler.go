package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"example.com/platform/services/eventbus/internal/bus"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// EventPublisher is the publish surface the HTTP layer needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{}, busCtx bus.Context) (*bus.Envelope, error)
	PublishBatch(ctx context.Context, eventType string, datas []map[string]interface{}, busCtx bus.Context) ([]*bus.Envelope, error)
}

// EventHandler handles publish HTTP requests
type EventHandler struct {
	publisher EventPublisher
}

// NewEventHandler creates a new event handler
func NewEventHandler(publisher EventPublisher) *EventHandler {
	return &EventHandler{publisher: publisher}
}

// PublishRequest represents an incoming publish request
type PublishRequest struct {
	Type    string                 `json:"type" binding:"required"`
	Data    map[string]interface{} `json:"data"`
	Context bus.Context            `json:"context"`
}

// PublishBatchRequest represents an incoming batch publish request
type PublishBatchRequest struct {
	Type    string                   `json:"type" binding:"required"`
	Events  []map[string]interface{} `json:"events" binding:"required"`
	Context bus.Context              `json:"context"`
}

// HandlePublish publishes a single event
func (h *EventHandler) HandlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evt, err := h.publisher.Publish(c.Request.Context(), req.Type, req.Data, req.Context)
	if err != nil {
		respondPublishError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":       evt.ID,
		"correlation_id": evt.CorrelationID,
		"timestamp":      evt.Timestamp.Format(time.RFC3339Nano),
	})
}

// HandlePublishBatch publishes a batch of events of one type atomically
func (h *EventHandler) HandlePublishBatch(c *gin.Context) {
	var req PublishBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evts, err := h.publisher.PublishBatch(c.Request.Context(), req.Type, req.Events, req.Context)
	if err != nil {
		respondPublishError(c, err)
		return
	}

	ids := make([]string, 0, len(evts))
	for _, evt := range evts {
		ids = append(ids, evt.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"event_ids": ids, "count": len(ids)})
}

func respondPublishError(c *gin.Context, err error) {
	var vErr *bus.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, bus.ErrBrokerUnavailable):
		log.Error().Err(err).Msg("Publish rejected, broker unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log unavailable"})
	default:
		log.Error().Err(err).Msg("Publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events", h.HandlePublish)
	router.POST("/events/batch", h.HandlePublishBatch)
}
