package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/metrics"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/rs/zerolog/log"
)

// DLQEntry is the record stored on the dead letter stream. It wraps the
// original envelope untouched so the event can be retried later.
type DLQEntry struct {
	Envelope         *bus.Envelope `json:"envelope"`
	FailureReason    string        `json:"failure_reason"`
	OriginalAttempts int           `json:"original_attempts"`
	MovedAt          time.Time     `json:"moved_at"`

	// EntryID is the dead letter stream position, set on read.
	EntryID string `json:"entry_id,omitempty"`
}

// Manager owns the failure path: scheduling delayed retries, promoting due
// retries back onto the partition streams, and the dead letter queue.
type Manager struct {
	store    stream.Store
	delay    stream.DelayQueue
	metadata repository.MetadataRepository
	busCfg   config.BusConfig
	cfg      config.RetryConfig
	metrics  *metrics.Collector
}

// NewManager creates a retry manager over the given log store.
func NewManager(store stream.Store, delay stream.DelayQueue, metadata repository.MetadataRepository, busCfg config.BusConfig, cfg config.RetryConfig) *Manager {
	return &Manager{
		store:    store,
		delay:    delay,
		metadata: metadata,
		busCfg:   busCfg,
		cfg:      cfg,
		metrics:  metrics.GetCollector(),
	}
}

// Delay returns the backoff before the next delivery of an event that has
// failed the given number of attempts: base, 2x base, 4x base.
func (m *Manager) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return m.cfg.BaseDelay << uint(attempts-1)
}

// HandleFailure routes a failed delivery: schedule a delayed retry while the
// attempt budget lasts, move to the dead letter queue once it is exhausted.
func (m *Manager) HandleFailure(ctx context.Context, evt *bus.Envelope, attempts int, reason string) error {
	if attempts > m.cfg.MaxRetries {
		return m.MoveToDLQ(ctx, evt, attempts, reason)
	}

	payload, err := evt.Marshal()
	if err != nil {
		return err
	}

	delay := m.Delay(attempts)
	if err := m.delay.Schedule(ctx, payload, time.Now().Add(delay)); err != nil {
		return fmt.Errorf("failed to schedule retry for event %s: %w", evt.ID, err)
	}

	if err := m.metadata.MarkFailed(ctx, evt.ID, reason); err != nil {
		log.Warn().Err(err).Str("eventId", evt.ID).Msg("Failed to mark event failed")
	}

	m.metrics.IncrementCounter(metrics.CounterRetriesScheduled, 1)
	log.Info().
		Str("eventId", evt.ID).
		Str("eventType", evt.Type).
		Int("attempts", attempts).
		Dur("delay", delay).
		Msg("Retry scheduled")

	return nil
}

// DispatchDue promotes retries whose delay has elapsed back onto their
// partition streams. Called on a short interval by the worker scheduler.
func (m *Manager) DispatchDue(ctx context.Context) (int, error) {
	payloads, err := m.delay.Due(ctx, time.Now(), m.cfg.DispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to collect due retries: %w", err)
	}

	dispatched := 0
	for _, payload := range payloads {
		evt, err := bus.UnmarshalEnvelope(payload)
		if err != nil {
			log.Error().Err(err).Msg("Dropping undecodable retry payload")
			continue
		}
		if _, err := m.store.Append(ctx, m.streamFor(evt), payload); err != nil {
			// Put it back so the next tick can promote it.
			if reErr := m.delay.Schedule(ctx, payload, time.Now()); reErr != nil {
				log.Error().Err(reErr).Str("eventId", evt.ID).Msg("Failed to reschedule retry after append failure")
			}
			return dispatched, fmt.Errorf("%w: %v", bus.ErrBrokerUnavailable, err)
		}
		dispatched++
	}

	if dispatched > 0 {
		m.metrics.IncrementCounter(metrics.CounterRetriesDispatched, int64(dispatched))
		log.Debug().Int("count", dispatched).Msg("Due retries dispatched")
	}
	if size, err := m.delay.Size(ctx); err == nil {
		m.metrics.SetGauge(metrics.GaugeRetryQueue, float64(size))
	}

	return dispatched, nil
}

// MoveToDLQ appends the event to the dead letter stream. When the queue is
// near or past its bound a capacity warning is raised before the oldest
// entries are trimmed away; the move itself always proceeds.
func (m *Manager) MoveToDLQ(ctx context.Context, evt *bus.Envelope, attempts int, reason string) error {
	size, err := m.store.Len(ctx, m.cfg.DLQStream)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read DLQ size")
	} else if float64(size) >= float64(m.cfg.DLQMaxLen)*m.cfg.DLQWarnRatio {
		m.metrics.IncrementCounter(metrics.CounterCapacityWarnings, 1)
		log.Warn().
			Err(bus.ErrCapacityExceeded).
			Int64("size", size).
			Int64("maxLen", m.cfg.DLQMaxLen).
			Str("eventId", evt.ID).
			Msg("DLQ approaching capacity, oldest entries will be trimmed")
	}

	entry := DLQEntry{
		Envelope:         evt,
		FailureReason:    reason,
		OriginalAttempts: attempts,
		MovedAt:          time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	if _, err := m.store.Append(ctx, m.cfg.DLQStream, payload); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrBrokerUnavailable, err)
	}
	if err := m.store.Trim(ctx, m.cfg.DLQStream, m.cfg.DLQMaxLen); err != nil {
		log.Warn().Err(err).Msg("Failed to trim DLQ")
	}

	if err := m.metadata.MarkDLQ(ctx, evt.ID, reason); err != nil {
		log.Warn().Err(err).Str("eventId", evt.ID).Msg("Failed to mark event dead-lettered")
	}

	m.metrics.IncrementCounter(metrics.CounterDLQMoved, 1)
	if size, err := m.store.Len(ctx, m.cfg.DLQStream); err == nil {
		m.metrics.SetGauge(metrics.GaugeDLQSize, float64(size))
	}

	log.Error().
		Str("eventId", evt.ID).
		Str("eventType", evt.Type).
		Str("tenantId", evt.TenantID).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("Event moved to DLQ")

	return nil
}

// DLQSize returns the number of dead-lettered events.
func (m *Manager) DLQSize(ctx context.Context) (int64, error) {
	return m.store.Len(ctx, m.cfg.DLQStream)
}

// ListDLQ returns a page of dead letter entries in arrival order.
func (m *Manager) ListDLQ(ctx context.Context, offset, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := m.store.Range(ctx, m.cfg.DLQStream, "-", "+", int64(offset+limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]

	out := make([]DLQEntry, 0, len(entries))
	for _, e := range entries {
		var rec DLQEntry
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			log.Warn().Err(err).Str("entryId", e.ID).Msg("Skipping undecodable DLQ entry")
			continue
		}
		rec.EntryID = e.ID
		out = append(out, rec)
	}
	return out, nil
}

// RetryFromDLQ re-publishes the named dead-lettered events onto their
// partition streams with a fresh attempt budget and removes them from the
// dead letter stream. Unknown event IDs are reported back, not failed on.
func (m *Manager) RetryFromDLQ(ctx context.Context, eventIDs []string) (retried []string, missing []string, err error) {
	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}

	entries, err := m.store.Range(ctx, m.cfg.DLQStream, "-", "+", m.cfg.DLQMaxLen)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	for _, e := range entries {
		var rec DLQEntry
		if err := json.Unmarshal(e.Payload, &rec); err != nil || rec.Envelope == nil {
			continue
		}
		if !wanted[rec.Envelope.ID] {
			continue
		}

		payload, err := rec.Envelope.Marshal()
		if err != nil {
			return retried, nil, err
		}
		if _, err := m.store.Append(ctx, m.streamFor(rec.Envelope), payload); err != nil {
			return retried, nil, fmt.Errorf("%w: %v", bus.ErrBrokerUnavailable, err)
		}
		if err := m.metadata.ResetForRetry(ctx, rec.Envelope.ID); err != nil {
			log.Warn().Err(err).Str("eventId", rec.Envelope.ID).Msg("Failed to reset metadata for DLQ retry")
		}
		if err := m.store.DeleteEntries(ctx, m.cfg.DLQStream, e.ID); err != nil {
			log.Warn().Err(err).Str("entryId", e.ID).Msg("Failed to remove retried DLQ entry")
		}

		delete(wanted, rec.Envelope.ID)
		retried = append(retried, rec.Envelope.ID)
		m.metrics.IncrementCounter(metrics.CounterDLQRetried, 1)
		log.Info().
			Str("eventId", rec.Envelope.ID).
			Str("eventType", rec.Envelope.Type).
			Msg("DLQ event requeued")
	}

	for id := range wanted {
		missing = append(missing, id)
	}
	return retried, missing, nil
}

// PurgeDLQ drops every dead letter entry and returns how many were removed.
func (m *Manager) PurgeDLQ(ctx context.Context) (int64, error) {
	size, err := m.store.Len(ctx, m.cfg.DLQStream)
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ size: %w", err)
	}
	if err := m.store.DeleteStream(ctx, m.cfg.DLQStream); err != nil {
		return 0, fmt.Errorf("failed to purge DLQ: %w", err)
	}
	m.metrics.IncrementCounter(metrics.CounterDLQPurged, size)
	m.metrics.SetGauge(metrics.GaugeDLQSize, 0)
	log.Warn().Int64("purged", size).Msg("DLQ purged")
	return size, nil
}

func (m *Manager) streamFor(evt *bus.Envelope) string {
	return fmt.Sprintf("%s:%d", m.busCfg.StreamPrefix, evt.Partition(m.busCfg.Partitions))
}
