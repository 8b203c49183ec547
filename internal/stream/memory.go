package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store and DelayQueue used
// for local development (no Redis configured) and tests. It mirrors the
// consumer-group semantics of the Redis implementation: per-group delivery
// cursors, pending-entry tracking and idle-based claiming.
type MemoryStore struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	delayed  []delayedItem
	notifyCh chan struct{}
}

type memStream struct {
	entries []memEntry
	nextSeq int64
	groups  map[string]*memGroup
}

type memEntry struct {
	seq     int64
	id      string
	payload []byte
}

type memGroup struct {
	delivered int64 // highest seq handed to any consumer
	pending   map[string]*pendingInfo
}

type pendingInfo struct {
	seq         int64
	payload     []byte
	consumer    string
	deliveredAt time.Time
}

type delayedItem struct {
	due     time.Time
	payload []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:  make(map[string]*memStream),
		notifyCh: make(chan struct{}),
	}
}

func (s *MemoryStore) stream(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		s.streams[name] = st
	}
	return st
}

func (st *memStream) group(name string) *memGroup {
	g, ok := st.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]*pendingInfo)}
		st.groups[name] = g
	}
	return g
}

func (s *MemoryStore) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(stream, payload), nil
}

func (s *MemoryStore) appendLocked(stream string, payload []byte) string {
	st := s.stream(stream)
	st.nextSeq++
	id := fmt.Sprintf("%d-0", st.nextSeq)
	st.entries = append(st.entries, memEntry{seq: st.nextSeq, id: id, payload: payload})

	// Wake blocked readers.
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	return id
}

func (s *MemoryStore) AppendBatch(ctx context.Context, appends []Append) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(appends))
	for i, a := range appends {
		ids[i] = s.appendLocked(a.Stream, a.Payload)
	}
	return ids, nil
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, stream, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream(stream).group(group)
	return nil
}

func (s *MemoryStore) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)

	for {
		s.mu.Lock()
		var out []Entry
		for _, name := range streams {
			st := s.stream(name)
			g := st.group(group)
			for _, e := range st.entries {
				if int64(len(out)) >= count {
					break
				}
				if e.seq <= g.delivered {
					continue
				}
				g.delivered = e.seq
				g.pending[e.id] = &pendingInfo{
					seq:         e.seq,
					payload:     e.payload,
					consumer:    consumer,
					deliveredAt: time.Now(),
				}
				out = append(out, Entry{Stream: name, ID: e.id, Payload: e.payload})
			}
		}
		notify := s.notifyCh
		s.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *MemoryStore) Ack(ctx context.Context, stream, group, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stream(stream).group(group).pending, id)
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.stream(stream).group(group)
	cutoff := time.Now().Add(-minIdle)

	var stale []*pendingInfo
	ids := make(map[*pendingInfo]string)
	for id, p := range g.pending {
		if p.deliveredAt.Before(cutoff) {
			stale = append(stale, p)
			ids[p] = id
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })

	var out []Entry
	for _, p := range stale {
		if int64(len(out)) >= count {
			break
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		out = append(out, Entry{Stream: stream, ID: ids[p], Payload: p.payload})
	}
	return out, nil
}

func (s *MemoryStore) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := int64(0)
	hi := int64(1<<62 - 1)
	if start != "-" {
		lo = parseSeq(start)
	}
	if end != "+" {
		hi = parseSeq(end)
	}

	var out []Entry
	for _, e := range s.stream(stream).entries {
		if int64(len(out)) >= count {
			break
		}
		if e.seq >= lo && e.seq <= hi {
			out = append(out, Entry{Stream: stream, ID: e.id, Payload: e.payload})
		}
	}
	return out, nil
}

func (s *MemoryStore) Len(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.stream(stream).entries)), nil
}

func (s *MemoryStore) Trim(ctx context.Context, stream string, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(stream)
	if excess := int64(len(st.entries)) - maxLen; excess > 0 {
		st.entries = st.entries[excess:]
	}
	return nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.stream(stream).group(group).pending)), nil
}

func (s *MemoryStore) DeleteEntries(ctx context.Context, stream string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	st := s.stream(stream)
	kept := st.entries[:0]
	for _, e := range st.entries {
		if !drop[e.id] {
			kept = append(kept, e)
		}
	}
	st.entries = kept
	return nil
}

func (s *MemoryStore) DeleteStream(ctx context.Context, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, stream)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Schedule(ctx context.Context, payload []byte, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed = append(s.delayed, delayedItem{due: due, payload: payload})
	return nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(s.delayed, func(i, j int) bool { return s.delayed[i].due.Before(s.delayed[j].due) })

	var out [][]byte
	kept := s.delayed[:0]
	for _, item := range s.delayed {
		if int64(len(out)) < limit && !item.due.After(now) {
			out = append(out, item.payload)
			continue
		}
		kept = append(kept, item)
	}
	s.delayed = kept
	return out, nil
}

func (s *MemoryStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.delayed)), nil
}

func parseSeq(id string) int64 {
	seqPart := id
	if idx := strings.Index(id, "-"); idx >= 0 {
		seqPart = id[:idx]
	}
	n, _ := strconv.ParseInt(seqPart, 10, 64)
	return n
}
