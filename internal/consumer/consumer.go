package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/metrics"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/retry"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Consumer reads the partition streams through a consumer group and
// dispatches each event to the matching handlers. Entries are acknowledged
// only once their outcome is settled, so a crash mid-dispatch redelivers.
type Consumer struct {
	store    stream.Store
	registry *bus.Registry
	retry    *retry.Manager
	metadata repository.MetadataRepository
	streams  []string
	cfg      config.ConsumerConfig
	metrics  *metrics.Collector
}

// New creates a consumer over the partition streams derived from the bus
// layout.
func New(store stream.Store, registry *bus.Registry, retryMgr *retry.Manager, metadata repository.MetadataRepository, busCfg config.BusConfig, cfg config.ConsumerConfig) *Consumer {
	streams := make([]string, 0, busCfg.Partitions)
	for i := 0; i < busCfg.Partitions; i++ {
		streams = append(streams, fmt.Sprintf("%s:%d", busCfg.StreamPrefix, i))
	}
	return &Consumer{
		store:    store,
		registry: registry,
		retry:    retryMgr,
		metadata: metadata,
		streams:  streams,
		cfg:      cfg,
		metrics:  metrics.GetCollector(),
	}
}

// circuitTrip is the record appended to the circuit marker stream when a
// loop gives up. The stream is shared through the log store, so the API
// process sees trips raised by the worker. A clean worker start clears it.
type circuitTrip struct {
	Consumer  string    `json:"consumer"`
	Failures  int       `json:"failures"`
	TrippedAt time.Time `json:"tripped_at"`
}

// Run starts the configured number of consumer loops and blocks until the
// context is cancelled or a loop trips its circuit breaker.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}
	c.resetCircuit(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Loops; i++ {
		consumerName := fmt.Sprintf("%s-%d", c.cfg.Group, i)
		g.Go(func() error {
			return c.loop(ctx, consumerName)
		})
	}
	c.metrics.SetGauge(metrics.GaugeRunningLoops, float64(c.cfg.Loops))
	defer c.metrics.SetGauge(metrics.GaugeRunningLoops, 0)

	return g.Wait()
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, s := range c.streams {
		if err := c.store.EnsureGroup(ctx, s, c.cfg.Group); err != nil {
			return fmt.Errorf("failed to ensure group on %s: %w", s, err)
		}
	}
	return nil
}

// loop is one read-dispatch cycle. Consecutive read failures back off
// exponentially; past the failure budget the loop stops rather than hammer a
// broken log store.
func (c *Consumer) loop(ctx context.Context, consumerName string) error {
	log.Info().
		Str("consumer", consumerName).
		Strs("streams", c.streams).
		Msg("Consumer loop started")

	readFailures := 0
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("consumer", consumerName).Msg("Consumer loop stopped")
			return nil
		default:
		}

		if time.Since(lastClaim) >= c.cfg.ClaimInterval {
			c.claimStale(ctx, consumerName)
			c.updateLag(ctx)
			lastClaim = time.Now()
		}

		entries, err := c.store.ReadGroup(ctx, c.cfg.Group, consumerName, c.streams, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			readFailures++
			c.metrics.IncrementCounter(metrics.CounterReadFailures, 1)
			log.Error().
				Err(err).
				Str("consumer", consumerName).
				Int("consecutiveFailures", readFailures).
				Msg("Read failed")

			if readFailures >= c.cfg.MaxReadFailures {
				c.metrics.IncrementCounter(metrics.CounterCircuitTrips, 1)
				c.metrics.SetGauge(metrics.GaugeCircuitOpen, 1)
				c.markCircuitOpen(ctx, consumerName, readFailures)
				log.Error().
					Str("consumer", consumerName).
					Int("failures", readFailures).
					Msg("Circuit breaker tripped, stopping consumer loop")
				return bus.ErrCircuitOpen
			}

			backoff := time.Second << uint(readFailures-1)
			if backoff > c.cfg.ReadBackoffCap {
				backoff = c.cfg.ReadBackoffCap
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		readFailures = 0

		for _, entry := range entries {
			c.process(ctx, entry)
		}
	}
}

// process settles one entry: dispatch to every matching handler, then either
// acknowledge on success or hand the event to the retry manager. The entry is
// acknowledged only after the retry copy is safely scheduled; if scheduling
// fails the entry stays pending and is reclaimed later.
func (c *Consumer) process(ctx context.Context, entry stream.Entry) {
	evt, err := bus.UnmarshalEnvelope(entry.Payload)
	if err != nil {
		log.Error().
			Err(err).
			Str("stream", entry.Stream).
			Str("streamId", entry.ID).
			Msg("Dropping undecodable entry")
		c.ack(ctx, entry)
		return
	}

	attempts, err := c.metadata.MarkProcessing(ctx, evt.ID)
	if err != nil {
		log.Warn().Err(err).Str("eventId", evt.ID).Msg("Failed to mark event processing")
		attempts = 1
	}

	start := time.Now()
	dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	results := c.registry.Dispatch(dispatchCtx, evt)
	cancel()
	c.metrics.RecordLatency(metrics.OperationDispatch, time.Since(start))
	c.metrics.IncrementCounter(metrics.CounterEventsDispatched, 1)

	var failures []string
	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, res.Err.Error())
		}
	}

	if len(failures) == 0 {
		c.ack(ctx, entry)
		if err := c.metadata.MarkCompleted(ctx, evt.ID); err != nil {
			log.Warn().Err(err).Str("eventId", evt.ID).Msg("Failed to mark event completed")
		}
		log.Debug().
			Str("eventId", evt.ID).
			Str("eventType", evt.Type).
			Int("handlers", len(results)).
			Int("attempts", attempts).
			Msg("Event processed")
		return
	}

	c.metrics.IncrementCounter(metrics.CounterHandlerFailures, int64(len(failures)))
	reason := strings.Join(failures, "; ")

	if err := c.retry.HandleFailure(ctx, evt, attempts, reason); err != nil {
		log.Error().
			Err(err).
			Str("eventId", evt.ID).
			Msg("Failed to hand event to retry manager, leaving entry pending")
		return
	}
	c.ack(ctx, entry)
}

func (c *Consumer) ack(ctx context.Context, entry stream.Entry) {
	start := time.Now()
	if err := c.store.Ack(ctx, entry.Stream, c.cfg.Group, entry.ID); err != nil {
		log.Warn().
			Err(err).
			Str("stream", entry.Stream).
			Str("streamId", entry.ID).
			Msg("Failed to acknowledge entry")
		return
	}
	c.metrics.RecordLatency(metrics.OperationAck, time.Since(start))
	c.metrics.IncrementCounter(metrics.CounterEventsAcked, 1)
}

// claimStale takes over entries other consumers claimed but never settled,
// typically after a crash.
func (c *Consumer) claimStale(ctx context.Context, consumerName string) {
	for _, s := range c.streams {
		entries, err := c.store.Claim(ctx, s, c.cfg.Group, consumerName, c.cfg.VisibilityTimeout, c.cfg.BatchSize)
		if err != nil {
			log.Warn().Err(err).Str("stream", s).Msg("Failed to claim stale entries")
			continue
		}
		if len(entries) == 0 {
			continue
		}
		c.metrics.IncrementCounter(metrics.CounterEntriesClaimed, int64(len(entries)))
		log.Info().
			Str("stream", s).
			Str("consumer", consumerName).
			Int("count", len(entries)).
			Msg("Claimed stale entries")
		for _, entry := range entries {
			c.process(ctx, entry)
		}
	}
}

func (c *Consumer) resetCircuit(ctx context.Context) {
	if c.cfg.CircuitStream == "" {
		return
	}
	if err := c.store.DeleteStream(ctx, c.cfg.CircuitStream); err != nil {
		log.Warn().Err(err).Msg("Failed to clear circuit marker")
	}
	c.metrics.SetGauge(metrics.GaugeCircuitOpen, 0)
}

func (c *Consumer) markCircuitOpen(ctx context.Context, consumerName string, failures int) {
	if c.cfg.CircuitStream == "" {
		return
	}
	payload, err := json.Marshal(circuitTrip{
		Consumer:  consumerName,
		Failures:  failures,
		TrippedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if _, err := c.store.Append(ctx, c.cfg.CircuitStream, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to record circuit trip")
	}
}

func (c *Consumer) updateLag(ctx context.Context) {
	var total int64
	for _, s := range c.streams {
		n, err := c.store.PendingCount(ctx, s, c.cfg.Group)
		if err != nil {
			continue
		}
		total += n
	}
	c.metrics.SetGauge(metrics.GaugeConsumerLag, float64(total))
}
