package models

import (
	"time"
)

// EventStatus tracks an event through its delivery lifecycle.
type EventStatus string

const (
	// StatusPending is set when the event is published.
	StatusPending EventStatus = "pending"
	// StatusProcessing is set when a consumer claims the event.
	StatusProcessing EventStatus = "processing"
	// StatusCompleted is set when every matched handler succeeded.
	StatusCompleted EventStatus = "completed"
	// StatusFailed is set when a handler failed and a retry is scheduled.
	StatusFailed EventStatus = "failed"
	// StatusDLQ is set when the retry budget is exhausted.
	StatusDLQ EventStatus = "dlq"
)

// EventMetadata is the per-event tracking record. It outlives log-store
// retention and feeds replay and monitoring, but the log store remains the
// source of truth for delivery state.
type EventMetadata struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	EventID       string      `gorm:"uniqueIndex" json:"event_id"`
	StreamID      string      `gorm:"index" json:"stream_id"`
	Partition     int         `json:"partition"`
	EventType     string      `gorm:"index" json:"event_type"`
	Source        string      `json:"source"`
	TenantID      string      `gorm:"index" json:"tenant_id"`
	CorrelationID string      `gorm:"index" json:"correlation_id"`
	Status        EventStatus `gorm:"index;default:pending" json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `gorm:"size:512" json:"last_error"`
	ProcessedAt   *time.Time  `json:"processed_at"`
	CreatedAt     time.Time   `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ReplayStatus tracks a replay job.
type ReplayStatus string

const (
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
)

// ReplayJob records the filter, progress and outcome of one replay run.
type ReplayJob struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	JobID         string       `gorm:"uniqueIndex" json:"job_id"`
	From          time.Time    `json:"from"`
	To            time.Time    `json:"to"`
	EventType     string       `json:"event_type"`
	TenantID      string       `json:"tenant_id"`
	BatchSize     int          `json:"batch_size"`
	Status        ReplayStatus `gorm:"index" json:"status"`
	ReplayedCount int64        `json:"replayed_count"`
	TotalCount    int64        `json:"total_count"`
	LastError     string       `gorm:"size:512" json:"last_error"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
