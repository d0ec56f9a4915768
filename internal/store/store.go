// Package store is the access layer over the shared ephemeral store
// (Redis). It owns the per-room key namespace, the TTL cascade, and the
// single-key conditional-update primitives the other components build
// their convergent mutation protocols on. Redis is the sole source of
// truth: no state survives a request outside of it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-room key namespace. Every key's TTL is mirrored from the meta
// key's remaining TTL so nothing outlives the room.
func MetaKey(roomID string) string     { return "meta:" + roomID }
func MessagesKey(roomID string) string { return "messages:" + roomID }
func UsersKey(roomID string) string    { return "users:" + roomID }
func PresenceKey(roomID string) string { return "presence:" + roomID }
func HistoryKey(roomID string) string  { return "history:" + roomID }

// Meta hash fields.
const (
	FieldConnected = "connected"
	FieldCreatedAt = "createdAt"
	FieldNextSeq   = "nextSeq"
)

// casField swaps a hash field only if its current value matches the
// expected one. The Redis analogue of a KV Update(key, value, revision).
var casField = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return 1
end
return 0
`)

// Store wraps the Redis client with the room-scoped operations the
// session engine needs.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Redis exposes the underlying client for operations that are plain
// single-key reads/writes.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// RoomMeta is the decoded meta:{roomId} hash.
type RoomMeta struct {
	Connected []string
	CreatedAt time.Time
}

// ReadMeta reads and decodes the room's meta hash. Returns nil (no
// error) when the room does not exist or its TTL has elapsed.
func (s *Store) ReadMeta(ctx context.Context, roomID string) (*RoomMeta, error) {
	fields, err := s.rdb.HGetAll(ctx, MetaKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return DecodeMeta(fields)
}

// DecodeMeta decodes a raw meta hash, as returned by HGETALL.
func DecodeMeta(fields map[string]string) (*RoomMeta, error) {
	meta := &RoomMeta{Connected: []string{}}
	if raw, ok := fields[FieldConnected]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Connected); err != nil {
			return nil, fmt.Errorf("decode connected tokens: %w", err)
		}
	}
	if raw, ok := fields[FieldCreatedAt]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode createdAt: %w", err)
		}
		meta.CreatedAt = time.UnixMilli(ms)
	}
	return meta, nil
}

// EncodeTokens serializes a token list the way the meta hash stores it.
func EncodeTokens(tokens []string) string {
	if tokens == nil {
		tokens = []string{}
	}
	data, _ := json.Marshal(tokens)
	return string(data)
}

// RoomTTL returns the remaining TTL of the room's meta key. A result
// ≤ 0 means the room does not exist (or the key has no expiry, which
// never happens for rooms this engine created).
func (s *Store) RoomTTL(ctx context.Context, roomID string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, MetaKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read room ttl: %w", err)
	}
	return ttl, nil
}

// MirrorTTL re-reads the room's remaining TTL and clamps each given key
// to it. Best-effort: a failed expire leaves the key to the next
// mutation's cascade, and is logged rather than surfaced.
func (s *Store) MirrorTTL(ctx context.Context, roomID string, keys ...string) {
	remaining, err := s.RoomTTL(ctx, roomID)
	if err != nil {
		slog.WarnContext(ctx, "TTL cascade: failed to read room TTL", "room", roomID, "error", err)
		return
	}
	if remaining <= 0 {
		return
	}
	for _, key := range keys {
		if err := s.rdb.Expire(ctx, key, remaining).Err(); err != nil {
			slog.WarnContext(ctx, "TTL cascade: failed to expire key", "key", key, "error", err)
		}
	}
}

// CompareAndSwapField atomically replaces a hash field's value only if
// it still equals old. Reports whether the swap happened.
func (s *Store) CompareAndSwapField(ctx context.Context, key, field string, old, new []byte) (bool, error) {
	res, err := casField.Run(ctx, s.rdb, []string{key}, field, string(old), string(new)).Int()
	if err != nil {
		return false, fmt.Errorf("cas %s/%s: %w", key, field, err)
	}
	return res == 1, nil
}

// DeleteRoomKeys removes every room-scoped key as an unconditional
// best-effort batch. Absent keys count as already deleted; one key's
// failure does not roll back the others.
func (s *Store) DeleteRoomKeys(ctx context.Context, roomID string) error {
	keys := []string{
		MetaKey(roomID),
		MessagesKey(roomID),
		UsersKey(roomID),
		PresenceKey(roomID),
		HistoryKey(roomID),
	}
	var firstErr error
	for _, key := range keys {
		if err := s.rdb.Del(ctx, key).Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return firstErr
}

// Watch runs fn under WATCH on the given keys so its writes become a
// single-key conditional update. Returns redis.TxFailedErr when a
// concurrent writer invalidated the watch.
func (s *Store) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return s.rdb.Watch(ctx, fn, keys...)
}
