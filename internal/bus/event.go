package bus

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire representation of a bus event. Envelopes are
// immutable once published; retries and replays never modify the original.
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	TenantID      string                 `json:"tenant_id"`
	UserID        string                 `json:"user_id"`
	Version       string                 `json:"version"`
	Data          map[string]interface{} `json:"data"`
}

// Context carries the caller identity attached to every publish operation.
// Tenant and user are mandatory; correlation ID is generated when absent.
type Context struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
}

// NewEnvelope builds an envelope for a publish request. A fresh event ID is
// always assigned; the correlation ID defaults to the event ID so that a
// causally-unrelated event starts its own trace.
func NewEnvelope(eventType string, data map[string]interface{}, busCtx Context) *Envelope {
	id := uuid.New().String()

	correlationID := busCtx.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	return &Envelope{
		ID:            id,
		Type:          eventType,
		Source:        busCtx.Source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		TenantID:      busCtx.TenantID,
		UserID:        busCtx.UserID,
		Version:       "1",
		Data:          data,
	}
}

// Module returns the first dot-delimited segment of the event type,
// e.g. "approval" for "approval.approved".
func (e *Envelope) Module() string {
	if idx := strings.Index(e.Type, "."); idx > 0 {
		return e.Type[:idx]
	}
	return e.Type
}

// Partition maps the envelope to one of n partitions. The key combines the
// tenant and the event module so that ordering holds per tenant and module
// but load still spreads across partitions.
func (e *Envelope) Partition(n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(e.TenantID))
	h.Write([]byte(":"))
	h.Write([]byte(e.Module()))
	return int(h.Sum32() % uint32(n))
}

// Marshal serializes the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope deserializes an envelope from its transport form.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}

// ValidEventType reports whether a type string is well formed: non-empty,
// dot-delimited, no empty segments and no wildcard characters.
func ValidEventType(eventType string) bool {
	if eventType == "" {
		return false
	}
	for _, segment := range strings.Split(eventType, ".") {
		if segment == "" || strings.Contains(segment, "*") {
			return false
		}
	}
	return true
}
