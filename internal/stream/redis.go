package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/platform/services/eventbus/config"

	"github.com/go-redis/redis/v8"
)

// payloadField is the single stream field carrying the encoded record.
const payloadField = "payload"

// RedisStore implements Store and DelayQueue on Redis Streams. Streams give
// us append-order delivery, consumer groups with pending-entry tracking and
// approximate MAXLEN trimming; a sorted set backs the delay queue.
type RedisStore struct {
	client   *redis.Client
	delayKey string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig, delayKey string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, delayKey: delayKey}, nil
}

// Append adds one record via XADD.
func (s *RedisStore) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// AppendBatch pipelines all XADDs inside MULTI/EXEC so the batch lands
// atomically in a single network round trip.
func (s *RedisStore) AppendBatch(ctx context.Context, appends []Append) ([]string, error) {
	pipe := s.client.TxPipeline()

	cmds := make([]*redis.StringCmd, len(appends))
	for i, a := range appends {
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: a.Stream,
			Values: map[string]interface{}{payloadField: string(a.Payload)},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append batch: %w", err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// EnsureGroup creates the consumer group from the beginning of the stream,
// tolerating the group already existing.
func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocks on XREADGROUP for up to block across the given streams.
func (s *RedisStore) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	// XREADGROUP wants all stream names followed by one ">" per stream.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // blocking read timed out with no entries
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s: %w", group, err)
	}

	var entries []Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, decodeMessage(st.Stream, msg))
		}
	}
	return entries, nil
}

// Ack acknowledges an entry via XACK.
func (s *RedisStore) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Claim reassigns entries idle past minIdle via XAUTOCLAIM, giving crashed
// consumers' work to a live group member.
func (s *RedisStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim stale entries on %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeMessage(stream, msg))
	}
	return entries, nil
}

// Range reads entries between two positions via XRANGE.
func (s *RedisStore) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	msgs, err := s.client.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeMessage(stream, msg))
	}
	return entries, nil
}

// Len returns XLEN.
func (s *RedisStore) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of stream %s: %w", stream, err)
	}
	return n, nil
}

// Trim caps the stream with XTRIM MAXLEN ~, the approximate form, which
// lets Redis trim whole radix-tree nodes instead of exact counts.
func (s *RedisStore) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := s.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("failed to trim stream %s: %w", stream, err)
	}
	return nil
}

// PendingCount returns the size of the group's pending entry list.
func (s *RedisStore) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	res, err := s.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get pending count for %s: %w", stream, err)
	}
	return res.Count, nil
}

// DeleteEntries removes entries via XDEL.
func (s *RedisStore) DeleteEntries(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("failed to delete entries from %s: %w", stream, err)
	}
	return nil
}

// DeleteStream drops the whole stream key.
func (s *RedisStore) DeleteStream(ctx context.Context, stream string) error {
	if err := s.client.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("failed to delete stream %s: %w", stream, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Schedule stores a payload in the delay sorted set, scored by due time.
func (s *RedisStore) Schedule(ctx context.Context, payload []byte, due time.Time) error {
	err := s.client.ZAdd(ctx, s.delayKey, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule delayed payload: %w", err)
	}
	return nil
}

// Due pops payloads whose due time has passed. A removed member is owned by
// the caller; if the subsequent re-publish fails it must be rescheduled.
func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int64) ([][]byte, error) {
	members, err := s.client.ZRangeByScore(ctx, s.delayKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due payloads: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	removed := make([]interface{}, len(members))
	for i, m := range members {
		removed[i] = m
	}
	if err := s.client.ZRem(ctx, s.delayKey, removed...).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove due payloads: %w", err)
	}

	payloads := make([][]byte, len(members))
	for i, m := range members {
		payloads[i] = []byte(m)
	}
	return payloads, nil
}

// Size returns the number of scheduled payloads.
func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.delayKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get delay queue size: %w", err)
	}
	return n, nil
}

func decodeMessage(stream string, msg redis.XMessage) Entry {
	var payload []byte
	if v, ok := msg.Values[payloadField].(string); ok {
		payload = []byte(v)
	}
	return Entry{Stream: stream, ID: msg.ID, Payload: payload}
}
