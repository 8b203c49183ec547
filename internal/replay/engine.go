package replay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/metrics"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Republisher appends a pre-built envelope to the log. Satisfied by the
// publisher.
type Republisher interface {
	PublishEnvelope(ctx context.Context, evt *bus.Envelope) error
}

// Request selects the events to replay. To is capped at the moment the job
// starts so freshly replayed copies never feed back into the same job.
type Request struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	BatchSize int       `json:"batch_size"`
}

// Engine re-publishes historical events from the tracking metadata. Each
// replayed event is a fresh envelope with a new ID but the original
// correlation ID, so downstream tracing still links it to the first run.
type Engine struct {
	store       stream.Store
	republisher Republisher
	metadata    repository.MetadataRepository
	jobs        repository.ReplayJobRepository
	busCfg      config.BusConfig
	cfg         config.ReplayConfig
	metrics     *metrics.Collector

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int64
}

// NewEngine creates a replay engine.
func NewEngine(store stream.Store, republisher Republisher, metadata repository.MetadataRepository, jobs repository.ReplayJobRepository, busCfg config.BusConfig, cfg config.ReplayConfig) *Engine {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		republisher: republisher,
		metadata:    metadata,
		jobs:        jobs,
		busCfg:      busCfg,
		cfg:         cfg,
		metrics:     metrics.GetCollector(),
		runCtx:      runCtx,
		cancel:      cancel,
	}
}

// Close stops in-flight replay jobs and waits until each has recorded a
// final state.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// StartReplay validates the request, records a running job and replays
// matching events in the background. The returned job carries the job ID the
// caller polls for status.
func (e *Engine) StartReplay(ctx context.Context, req Request) (*models.ReplayJob, error) {
	if req.From.IsZero() {
		return nil, &bus.ValidationError{Field: "from", Message: "start of the replay window is required"}
	}
	// An open or future window would make the job consume its own
	// re-published copies, so the end is pinned to the start of the job.
	if now := time.Now(); req.To.IsZero() || req.To.After(now) {
		req.To = now
	}
	if !req.From.Before(req.To) {
		return nil, &bus.ValidationError{Field: "from", Message: "replay window start must precede its end"}
	}
	if req.EventType != "" && !bus.ValidEventType(req.EventType) {
		return nil, &bus.ValidationError{Field: "event_type", Message: fmt.Sprintf("malformed event type %q", req.EventType)}
	}
	if req.BatchSize <= 0 {
		req.BatchSize = e.cfg.DefaultBatchSize
	}
	if req.BatchSize > e.cfg.MaxBatchSize {
		req.BatchSize = e.cfg.MaxBatchSize
	}

	filter := repository.MetadataFilter{
		From:      req.From,
		To:        req.To,
		EventType: req.EventType,
		TenantID:  req.TenantID,
	}
	total, err := e.metadata.CountByFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	job := &models.ReplayJob{
		JobID:      uuid.New().String(),
		From:       req.From,
		To:         req.To,
		EventType:  req.EventType,
		TenantID:   req.TenantID,
		BatchSize:  req.BatchSize,
		Status:     models.ReplayRunning,
		TotalCount: total,
		StartedAt:  time.Now(),
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	e.metrics.IncrementCounter(metrics.CounterReplayJobs, 1)
	log.Info().
		Str("jobId", job.JobID).
		Time("from", req.From).
		Time("to", req.To).
		Str("eventType", req.EventType).
		Str("tenantId", req.TenantID).
		Int64("total", total).
		Msg("Replay started")

	e.metrics.SetGauge(metrics.GaugeRunningReplay, float64(atomic.AddInt64(&e.running, 1)))
	e.wg.Add(1)
	go e.run(job, filter)

	return job, nil
}

// GetStatus returns the job record, or nil when the job ID is unknown.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (*models.ReplayJob, error) {
	return e.jobs.GetByJobID(ctx, jobID)
}

// run walks the matching metadata in publish order and re-publishes each
// event. A missing log entry fails the job: replaying a partial window
// silently would misrepresent history. The job's final state is always
// written with a fresh context so a shutdown still leaves an accurate record.
func (e *Engine) run(job *models.ReplayJob, filter repository.MetadataFilter) {
	defer func() {
		e.metrics.SetGauge(metrics.GaugeRunningReplay, float64(atomic.AddInt64(&e.running, -1)))
		e.wg.Done()
	}()

	ctx := e.runCtx
	var replayed int64

	for offset := 0; ; offset += job.BatchSize {
		if ctx.Err() != nil {
			e.fail(job, replayed, "replay interrupted by shutdown")
			return
		}

		start := time.Now()
		metas, err := e.metadata.FindByFilter(ctx, filter, job.BatchSize, offset)
		if err != nil {
			e.fail(job, replayed, err.Error())
			return
		}
		if len(metas) == 0 {
			break
		}

		for i := range metas {
			evt, err := e.fetchOriginal(ctx, &metas[i])
			if err != nil {
				e.fail(job, replayed, err.Error())
				return
			}

			copyEvt := *evt
			copyEvt.ID = uuid.New().String()
			copyEvt.Timestamp = time.Now().UTC()

			if err := e.republisher.PublishEnvelope(ctx, &copyEvt); err != nil {
				e.fail(job, replayed, err.Error())
				return
			}
			replayed++
		}

		e.metrics.RecordLatency(metrics.OperationReplay, time.Since(start))
		if err := e.jobs.UpdateProgress(ctx, job.JobID, replayed); err != nil {
			log.Warn().Err(err).Str("jobId", job.JobID).Msg("Failed to update replay progress")
		}
	}

	ctx = context.Background()
	if err := e.jobs.UpdateProgress(ctx, job.JobID, replayed); err != nil {
		log.Warn().Err(err).Str("jobId", job.JobID).Msg("Failed to update replay progress")
	}
	if err := e.jobs.MarkCompleted(ctx, job.JobID); err != nil {
		log.Error().Err(err).Str("jobId", job.JobID).Msg("Failed to mark replay completed")
	}
	e.metrics.IncrementCounter(metrics.CounterEventsReplayed, replayed)
	log.Info().
		Str("jobId", job.JobID).
		Int64("replayed", replayed).
		Msg("Replay completed")
}

// fetchOriginal reads the original envelope back from the log at the
// position recorded when the event was published.
func (e *Engine) fetchOriginal(ctx context.Context, meta *models.EventMetadata) (*bus.Envelope, error) {
	if meta.StreamID == "" {
		return nil, fmt.Errorf("event %s has no recorded log position", meta.EventID)
	}
	streamName := fmt.Sprintf("%s:%d", e.busCfg.StreamPrefix, meta.Partition)
	entries, err := e.store.Range(ctx, streamName, meta.StreamID, meta.StreamID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read event %s from log: %w", meta.EventID, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("event %s is no longer in the log (position %s trimmed)", meta.EventID, meta.StreamID)
	}
	return bus.UnmarshalEnvelope(entries[0].Payload)
}

func (e *Engine) fail(job *models.ReplayJob, replayed int64, reason string) {
	ctx := context.Background()
	if err := e.jobs.UpdateProgress(ctx, job.JobID, replayed); err != nil {
		log.Warn().Err(err).Str("jobId", job.JobID).Msg("Failed to update replay progress")
	}
	if err := e.jobs.MarkFailed(ctx, job.JobID, reason); err != nil {
		log.Error().Err(err).Str("jobId", job.JobID).Msg("Failed to mark replay failed")
	}
	e.metrics.IncrementCounter(metrics.CounterEventsReplayed, replayed)
	log.Error().
		Str("jobId", job.JobID).
		Int64("replayed", replayed).
		Str("reason", reason).
		Msg("Replay failed")
}
