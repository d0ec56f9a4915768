// Package room manages room lifecycle: creation, existence/fullness
// checks, and destruction. The room meta key's TTL is the authoritative
// clock every other room-scoped key is clamped to.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/admission"
	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/presence"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/store"
)

// CheckResult is the answer to a room-existence check.
type CheckResult struct {
	Exists bool  `json:"exists"`
	IsFull bool  `json:"isFull"`
	TTL    int64 `json:"ttl"`
}

// Manager creates, inspects, and destroys rooms.
type Manager struct {
	store   *store.Store
	tracker *presence.Tracker
	rt      realtime.Emitter
	ttl     time.Duration

	created   metric.Int64Counter
	destroyed metric.Int64Counter
}

func NewManager(st *store.Store, tracker *presence.Tracker, rt realtime.Emitter, ttl time.Duration) *Manager {
	meter := otel.Meter("room")
	created, _ := meter.Int64Counter("rooms_created_total",
		metric.WithDescription("Total rooms created"))
	destroyed, _ := meter.Int64Counter("rooms_destroyed_total",
		metric.WithDescription("Total rooms explicitly destroyed"))
	return &Manager{store: st, tracker: tracker, rt: rt, ttl: ttl, created: created, destroyed: destroyed}
}

// Create initializes an empty room with a fresh unguessable id and the
// fixed, non-renewing TTL.
func (m *Manager) Create(ctx context.Context) (string, error) {
	roomID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}

	rdb := m.store.Redis()
	key := store.MetaKey(roomID)
	err = rdb.HSet(ctx, key,
		store.FieldConnected, store.EncodeTokens(nil),
		store.FieldCreatedAt, time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if err := rdb.Expire(ctx, key, m.ttl).Err(); err != nil {
		return "", fmt.Errorf("set room ttl: %w", err)
	}

	m.created.Add(ctx, 1)
	slog.InfoContext(ctx, "Room created", "room", roomID, "ttl", m.ttl)
	return roomID, nil
}

// Check reports whether the room exists, its remaining TTL, and whether
// it is full by active-member count (not raw membership). The stale
// prune behind that count is persisted, so the membership set heals on
// this read path too.
func (m *Manager) Check(ctx context.Context, roomID string) (CheckResult, error) {
	ttl, err := m.store.RoomTTL(ctx, roomID)
	if err != nil {
		return CheckResult{}, err
	}
	if ttl <= 0 {
		return CheckResult{}, nil
	}

	live, _, err := m.tracker.PruneStale(ctx, roomID)
	if err != nil {
		if err == chat.ErrRoomNotFound {
			// Expired between the TTL read and the prune.
			return CheckResult{}, nil
		}
		return CheckResult{}, err
	}

	return CheckResult{
		Exists: true,
		IsFull: len(live) >= admission.MaxActiveMembers,
		TTL:    int64(ttl.Seconds()),
	}, nil
}

// TTL returns the room's remaining lifetime in seconds.
func (m *Manager) TTL(ctx context.Context, roomID string) (int64, error) {
	ttl, err := m.store.RoomTTL(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, chat.ErrRoomNotFound
	}
	return int64(ttl.Seconds()), nil
}

// Destroy announces the destruction first — subscribers must see the
// event — then deletes every room-scoped key as a best-effort batch.
func (m *Manager) Destroy(ctx context.Context, roomID string) error {
	if err := m.rt.Emit(ctx, roomID, realtime.EventDestroy, chat.DestroyEvent{IsDestroyed: true}); err != nil {
		slog.WarnContext(ctx, "Failed to announce room destruction", "room", roomID, "error", err)
	}
	if err := m.store.DeleteRoomKeys(ctx, roomID); err != nil {
		return err
	}
	m.destroyed.Add(ctx, 1)
	slog.InfoContext(ctx, "Room destroyed", "room", roomID)
	return nil
}
