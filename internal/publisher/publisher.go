package publisher

import (
	"context"
	"fmt"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/metrics"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Publisher appends events to the partitioned log and records tracking
// metadata. Appending to the log is the durability point; the metadata insert
// is best-effort and never blocks a publish.
type Publisher struct {
	store    stream.Store
	metadata repository.MetadataRepository
	cfg      config.BusConfig
	validate *validator.Validate
	metrics  *metrics.Collector
}

// New creates a publisher over the given log store.
func New(store stream.Store, metadata repository.MetadataRepository, cfg config.BusConfig) *Publisher {
	return &Publisher{
		store:    store,
		metadata: metadata,
		cfg:      cfg,
		validate: validator.New(),
		metrics:  metrics.GetCollector(),
	}
}

// Publish validates the request, builds an envelope and appends it to the
// partition stream derived from the tenant and event module. The returned
// envelope carries the assigned event ID.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]interface{}, busCtx bus.Context) (*bus.Envelope, error) {
	if !bus.ValidEventType(eventType) {
		return nil, &bus.ValidationError{Field: "type", Message: fmt.Sprintf("malformed event type %q", eventType)}
	}
	if err := p.validate.Struct(busCtx); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return nil, &bus.ValidationError{Field: errs[0].Field(), Message: "required field is missing"}
		}
		return nil, &bus.ValidationError{Field: "context", Message: err.Error()}
	}

	evt := bus.NewEnvelope(eventType, data, busCtx)
	if err := p.PublishEnvelope(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// PublishEnvelope appends a pre-built envelope. Replay and retry re-publishes
// use this path; the envelope is appended as-is, without re-validation.
func (p *Publisher) PublishEnvelope(ctx context.Context, evt *bus.Envelope) error {
	payload, err := evt.Marshal()
	if err != nil {
		return err
	}

	streamName := p.StreamFor(evt)
	start := time.Now()

	streamID, err := p.appendWithRetry(ctx, streamName, payload)
	if err != nil {
		p.metrics.IncrementCounter(metrics.CounterPublishErrors, 1)
		log.Error().
			Err(err).
			Str("eventId", evt.ID).
			Str("eventType", evt.Type).
			Str("stream", streamName).
			Msg("Failed to append event")
		return fmt.Errorf("%w: %v", bus.ErrBrokerUnavailable, err)
	}

	p.metrics.IncrementCounter(metrics.CounterEventsPublished, 1)
	p.metrics.RecordLatency(metrics.OperationPublish, time.Since(start))

	p.recordMetadata(ctx, evt, streamName, streamID)
	p.trimStream(ctx, streamName)

	log.Info().
		Str("eventId", evt.ID).
		Str("eventType", evt.Type).
		Str("tenantId", evt.TenantID).
		Str("correlationId", evt.CorrelationID).
		Str("stream", streamName).
		Str("streamId", streamID).
		Msg("Event published")

	return nil
}

// PublishBatch validates all requests up front and appends the resulting
// envelopes atomically: either every event lands on the log or none does.
func (p *Publisher) PublishBatch(ctx context.Context, eventType string, datas []map[string]interface{}, busCtx bus.Context) ([]*bus.Envelope, error) {
	if len(datas) == 0 {
		return nil, nil
	}
	if !bus.ValidEventType(eventType) {
		return nil, &bus.ValidationError{Field: "type", Message: fmt.Sprintf("malformed event type %q", eventType)}
	}
	if err := p.validate.Struct(busCtx); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return nil, &bus.ValidationError{Field: errs[0].Field(), Message: "required field is missing"}
		}
		return nil, &bus.ValidationError{Field: "context", Message: err.Error()}
	}

	envelopes := make([]*bus.Envelope, 0, len(datas))
	appends := make([]stream.Append, 0, len(datas))
	for _, data := range datas {
		evt := bus.NewEnvelope(eventType, data, busCtx)
		payload, err := evt.Marshal()
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, evt)
		appends = append(appends, stream.Append{Stream: p.StreamFor(evt), Payload: payload})
	}

	ids, err := p.store.AppendBatch(ctx, appends)
	if err != nil {
		p.metrics.IncrementCounter(metrics.CounterPublishErrors, 1)
		return nil, fmt.Errorf("%w: %v", bus.ErrBrokerUnavailable, err)
	}

	p.metrics.IncrementCounter(metrics.CounterEventsPublished, int64(len(envelopes)))

	metas := make([]*models.EventMetadata, 0, len(envelopes))
	for i, evt := range envelopes {
		streamID := ""
		if i < len(ids) {
			streamID = ids[i]
		}
		metas = append(metas, p.metadataFor(evt, appends[i].Stream, streamID))
	}
	if err := p.metadata.CreateBatch(ctx, metas); err != nil {
		log.Warn().Err(err).Int("count", len(metas)).Msg("Failed to record metadata batch")
	}

	trimmed := make(map[string]bool, len(appends))
	for _, a := range appends {
		if trimmed[a.Stream] {
			continue
		}
		trimmed[a.Stream] = true
		p.trimStream(ctx, a.Stream)
	}

	log.Info().
		Str("eventType", eventType).
		Str("tenantId", busCtx.TenantID).
		Int("count", len(envelopes)).
		Msg("Event batch published")

	return envelopes, nil
}

// StreamFor returns the partition stream name an envelope is routed to.
func (p *Publisher) StreamFor(evt *bus.Envelope) string {
	return fmt.Sprintf("%s:%d", p.cfg.StreamPrefix, evt.Partition(p.cfg.Partitions))
}

func (p *Publisher) appendWithRetry(ctx context.Context, streamName string, payload []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.cfg.PublishBackoff * time.Duration(attempt)):
			}
		}
		id, err := p.store.Append(ctx, streamName, payload)
		if err == nil {
			return id, nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("stream", streamName).
			Int("attempt", attempt+1).
			Msg("Append failed, retrying")
	}
	return "", lastErr
}

func (p *Publisher) recordMetadata(ctx context.Context, evt *bus.Envelope, streamName, streamID string) {
	if err := p.metadata.Create(ctx, p.metadataFor(evt, streamName, streamID)); err != nil {
		log.Warn().Err(err).Str("eventId", evt.ID).Msg("Failed to record event metadata")
	}
}

func (p *Publisher) metadataFor(evt *bus.Envelope, streamName, streamID string) *models.EventMetadata {
	return &models.EventMetadata{
		EventID:       evt.ID,
		StreamID:      streamID,
		Partition:     evt.Partition(p.cfg.Partitions),
		EventType:     evt.Type,
		Source:        evt.Source,
		TenantID:      evt.TenantID,
		CorrelationID: evt.CorrelationID,
		Status:        models.StatusPending,
	}
}

// trimStream keeps the partition stream near its configured bound. Trimming
// is approximate and failures only log; publish durability is unaffected.
func (p *Publisher) trimStream(ctx context.Context, streamName string) {
	if p.cfg.MaxStreamLen <= 0 {
		return
	}
	if err := p.store.Trim(ctx, streamName, p.cfg.MaxStreamLen); err != nil {
		log.Warn().Err(err).Str("stream", streamName).Msg("Failed to trim stream")
	}
}
