package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/metrics"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/replay"
	"example.com/platform/services/eventbus/internal/retry"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// DLQManager is the dead letter surface the HTTP layer needs.
type DLQManager interface {
	DLQSize(ctx context.Context) (int64, error)
	ListDLQ(ctx context.Context, offset, limit int) ([]retry.DLQEntry, error)
	RetryFromDLQ(ctx context.Context, eventIDs []string) (retried []string, missing []string, err error)
	PurgeDLQ(ctx context.Context) (int64, error)
}

// Replayer is the replay surface the HTTP layer needs.
type Replayer interface {
	StartReplay(ctx context.Context, req replay.Request) (*models.ReplayJob, error)
	GetStatus(ctx context.Context, jobID string) (*models.ReplayJob, error)
}

// BusInspector reads log store state shared between the api and worker
// processes: pending counts per stream and the circuit marker stream left by
// a tripped consumer.
type BusInspector interface {
	PendingCount(ctx context.Context, stream, group string) (int64, error)
	Len(ctx context.Context, stream string) (int64, error)
}

// AdminHandler handles health, DLQ and replay HTTP requests
type AdminHandler struct {
	dlq           DLQManager
	replayer      Replayer
	inspector     BusInspector
	streams       []string
	group         string
	circuitStream string
	dlqMaxLen     int64
	collector     *metrics.Collector
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(dlq DLQManager, replayer Replayer, inspector BusInspector, cfg config.Config) *AdminHandler {
	streams := make([]string, 0, cfg.Bus.Partitions)
	for i := 0; i < cfg.Bus.Partitions; i++ {
		streams = append(streams, fmt.Sprintf("%s:%d", cfg.Bus.StreamPrefix, i))
	}
	return &AdminHandler{
		dlq:           dlq,
		replayer:      replayer,
		inspector:     inspector,
		streams:       streams,
		group:         cfg.Consumer.Group,
		circuitStream: cfg.Consumer.CircuitStream,
		dlqMaxLen:     cfg.Retry.DLQMaxLen,
		collector:     metrics.GetCollector(),
	}
}

// HandleHealth reports the bus health: DLQ pressure, consumer lag and
// circuit breaker state. Lag and circuit state come from the log store, so
// they are accurate even though the consumer loops run in another process.
func (h *AdminHandler) HandleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	dlqSize, err := h.dlq.DLQSize(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "event log unreachable",
		})
		return
	}

	circuitOpen := h.circuitOpen(ctx)
	dlqPressure := h.dlqMaxLen > 0 && float64(dlqSize) >= float64(h.dlqMaxLen)*0.9

	status := "healthy"
	code := http.StatusOK
	if circuitOpen {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if dlqPressure {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dlq_size":     dlqSize,
		"dlq_max_len":  h.dlqMaxLen,
		"consumer_lag": h.consumerLag(ctx),
		"circuit_open": circuitOpen,
	})
}

// consumerLag sums the pending entries across the partition streams.
func (h *AdminHandler) consumerLag(ctx context.Context) int64 {
	var total int64
	for _, s := range h.streams {
		n, err := h.inspector.PendingCount(ctx, s, h.group)
		if err != nil {
			log.Warn().Err(err).Str("stream", s).Msg("Failed to read pending count")
			continue
		}
		total += n
	}
	return total
}

func (h *AdminHandler) circuitOpen(ctx context.Context) bool {
	if h.circuitStream == "" {
		return false
	}
	n, err := h.inspector.Len(ctx, h.circuitStream)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read circuit marker")
		return false
	}
	return n > 0
}

// HandleGetMetrics returns all collected metrics
func (h *AdminHandler) HandleGetMetrics(c *gin.Context) {
	h.collector.SetGauge("goroutines", float64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.collector.GetMetrics())
}

// HandleListDLQ returns a page of dead-lettered events
func (h *AdminHandler) HandleListDLQ(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if offset < 0 || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be >= 0 and limit in [1, 500]"})
		return
	}

	entries, err := h.dlq.ListDLQ(c.Request.Context(), offset, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list DLQ")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	size, _ := h.dlq.DLQSize(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"total":   size,
		"offset":  offset,
	})
}

// DLQRetryRequest names the dead-lettered events to requeue
type DLQRetryRequest struct {
	EventIDs []string `json:"event_ids" binding:"required,min=1"`
}

// HandleRetryDLQ requeues dead-lettered events with a fresh attempt budget
func (h *AdminHandler) HandleRetryDLQ(c *gin.Context) {
	var req DLQRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	retried, missing, err := h.dlq.RetryFromDLQ(c.Request.Context(), req.EventIDs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to retry DLQ events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"retried": retried,
		"missing": missing,
	})
}

// HandlePurgeDLQ drops every dead-lettered event
func (h *AdminHandler) HandlePurgeDLQ(c *gin.Context) {
	purged, err := h.dlq.PurgeDLQ(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge DLQ")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

// HandleStartReplay starts a replay job over a time window
func (h *AdminHandler) HandleStartReplay(c *gin.Context) {
	var req replay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.replayer.StartReplay(c.Request.Context(), req)
	if err != nil {
		var vErr *bus.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
			return
		}
		log.Error().Err(err).Msg("Failed to start replay")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":      job.JobID,
		"status":      job.Status,
		"total_count": job.TotalCount,
	})
}

// HandleReplayStatus returns the progress of a replay job
func (h *AdminHandler) HandleReplayStatus(c *gin.Context) {
	job, err := h.replayer.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to get replay status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "replay job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// RegisterRoutes registers the handler's routes
func (h *AdminHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", h.HandleGetMetrics)

	router.GET("/dlq", h.HandleListDLQ)
	router.POST("/dlq/retry", h.HandleRetryDLQ)
	router.DELETE("/dlq", h.HandlePurgeDLQ)

	router.POST("/replay", h.HandleStartReplay)
	router.GET("/replay/:job_id", h.HandleReplayStatus)
}
