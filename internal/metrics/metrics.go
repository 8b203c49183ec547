package metrics

import (
	"sync"
	"time"
)

// Collector provides a centralized way to collect and retrieve bus metrics.
type Collector struct {
	mutex               sync.RWMutex
	counters            map[string]int64
	gauges              map[string]float64
	operationLatencies  map[string][]time.Duration
	startTime           time.Time
	maxHistogramSamples int
}

// Counter metrics
const (
	CounterEventsPublished   = "events_published_total"
	CounterPublishErrors     = "publish_errors_total"
	CounterEventsDispatched  = "events_dispatched_total"
	CounterHandlerFailures   = "handler_failures_total"
	CounterEventsAcked       = "events_acked_total"
	CounterRetriesScheduled  = "retries_scheduled_total"
	CounterRetriesDispatched = "retries_dispatched_total"
	CounterDLQMoved          = "dlq_moved_total"
	CounterDLQRetried        = "dlq_retried_total"
	CounterDLQPurged         = "dlq_purged_total"
	CounterCapacityWarnings  = "capacity_warnings_total"
	CounterReadFailures      = "read_failures_total"
	CounterCircuitTrips      = "circuit_trips_total"
	CounterEntriesClaimed    = "entries_claimed_total"
	CounterReplayJobs        = "replay_jobs_total"
	CounterEventsReplayed    = "events_replayed_total"
)

// Gauge metrics
const (
	GaugeDLQSize       = "dlq_size"
	GaugeRetryQueue    = "retry_queue_size"
	GaugeConsumerLag   = "consumer_lag"
	GaugeCircuitOpen   = "circuit_open"
	GaugeRunningLoops  = "running_consumer_loops"
	GaugeRunningReplay = "running_replay_jobs"
)

// Bus operations for latency tracking
const (
	OperationPublish  = "publish"
	OperationDispatch = "dispatch"
	OperationAck      = "ack"
	OperationReplay   = "replay_batch"
)

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		counters:            make(map[string]int64),
		gauges:              make(map[string]float64),
		operationLatencies:  make(map[string][]time.Duration),
		startTime:           time.Now(),
		maxHistogramSamples: 1000,
	}
}

// IncrementCounter increments a counter by the given value.
func (m *Collector) IncrementCounter(name string, value int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters[name] += value
}

// SetGauge sets a gauge to the given value.
func (m *Collector) SetGauge(name string, value float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] = value
}

// RecordLatency records an operation latency sample.
func (m *Collector) RecordLatency(operation string, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	latencies, ok := m.operationLatencies[operation]
	if !ok {
		latencies = make([]time.Duration, 0, m.maxHistogramSamples)
	}
	if len(latencies) >= m.maxHistogramSamples {
		latencies = latencies[1:]
	}
	m.operationLatencies[operation] = append(latencies, latency)
}

// Counter returns the current value of a counter.
func (m *Collector) Counter(name string) int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[name]
}

// Gauge returns the current value of a gauge.
func (m *Collector) Gauge(name string) float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.gauges[name]
}

// GetMetrics returns all collected metrics in a structured format.
func (m *Collector) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	latencies := make(map[string]float64)
	for op, samples := range m.operationLatencies {
		if len(samples) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range samples {
			sum += l
		}
		latencies[op] = float64(sum.Milliseconds()) / float64(len(samples))
	}

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds":         time.Since(m.startTime).Seconds(),
		"counters":               counters,
		"gauges":                 gauges,
		"operation_latencies_ms": latencies,
	}
}

// Global collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// GetCollector returns the global metrics collector instance.
func GetCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}
