// Package stream abstracts the append-only partitioned log backing the bus.
// Any log technology providing append, blocking consumer-group reads,
// acknowledgment and approximate trimming can implement Store. Payloads are
// opaque to the store; callers own the record encoding.
package stream

import (
	"context"
	"time"
)

// Entry is one record read from a stream.
type Entry struct {
	Stream  string
	ID      string
	Payload []byte
}

// Append is one pending write in a batch append.
type Append struct {
	Stream  string
	Payload []byte
}

// Store is the log store adapter. The log store is the single source of
// truth for delivery state; metadata rows are a secondary tracking aid.
type Store interface {
	// Append adds one record to a stream and returns the assigned
	// stream position.
	Append(ctx context.Context, stream string, payload []byte) (string, error)

	// AppendBatch writes all entries in a single atomic round trip:
	// either every append is applied or none is.
	AppendBatch(ctx context.Context, appends []Append) ([]string, error)

	// EnsureGroup creates a consumer group reading from the start of the
	// stream if it does not already exist.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup performs a blocking read against a consumer group over one
	// or more streams. It returns after at most block, possibly with no
	// entries. Claimed entries stay pending until acknowledged.
	ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error)

	// Ack removes an entry from the group's pending list.
	Ack(ctx context.Context, stream, group, id string) error

	// Claim transfers entries that have been pending longer than minIdle
	// to the given consumer. Used to recover work from crashed consumers.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Range reads entries between two stream positions, inclusive.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	// Len returns the number of entries currently in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Trim caps the stream to approximately maxLen entries. Trimming is
	// best-effort; exactness is traded for performance.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// PendingCount returns the number of claimed-but-unacknowledged
	// entries for a group, i.e. the consumer lag that matters for health.
	PendingCount(ctx context.Context, stream, group string) (int64, error)

	// DeleteEntries removes specific entries from a stream.
	DeleteEntries(ctx context.Context, stream string, ids ...string) error

	// DeleteStream removes a stream entirely.
	DeleteStream(ctx context.Context, stream string) error

	Close() error
}

// DelayQueue schedules opaque payloads for future delivery. The retry
// manager uses it to hold delayed re-publishes out of the hot dispatch path.
type DelayQueue interface {
	// Schedule stores a payload to become due at the given time.
	Schedule(ctx context.Context, payload []byte, due time.Time) error

	// Due removes and returns up to limit payloads due at or before now.
	Due(ctx context.Context, now time.Time, limit int64) ([][]byte, error)

	// Size returns the number of scheduled payloads.
	Size(ctx context.Context) (int64, error)
}
