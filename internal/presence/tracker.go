package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/store"
)

// Tracker records heartbeats, serves presence snapshots, and runs the
// stale-pruning pass that keeps the membership set honest.
type Tracker struct {
	store *store.Store
	rt    realtime.Emitter

	now func() time.Time

	heartbeats metric.Int64Counter
	pruned     metric.Int64Counter
}

func NewTracker(st *store.Store, rt realtime.Emitter) *Tracker {
	meter := otel.Meter("presence")
	heartbeats, _ := meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Total heartbeats recorded"))
	pruned, _ := meter.Int64Counter("presence_tokens_pruned_total",
		metric.WithDescription("Total stale tokens pruned from membership sets"))
	return &Tracker{
		store:      st,
		rt:         rt,
		now:        time.Now,
		heartbeats: heartbeats,
		pruned:     pruned,
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Heartbeat upserts the token's presence record and announces the
// member as online. Offline is never announced: it is inferred from
// heartbeat absence.
func (t *Tracker) Heartbeat(ctx context.Context, roomID, token, username string) error {
	now := t.now()
	rec := Record{DisplayName: username, LastSeen: now.UnixMilli()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	key := store.PresenceKey(roomID)
	if err := t.store.Redis().HSet(ctx, key, token, data).Err(); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	t.store.MirrorTTL(ctx, roomID, key)
	t.heartbeats.Add(ctx, 1)

	if err := t.rt.Emit(ctx, roomID, realtime.EventPresence, chat.PresenceEvent{
		Username: username,
		Status:   "online",
		LastSeen: rec.LastSeen,
	}); err != nil {
		slog.WarnContext(ctx, "Failed to emit presence event", "room", roomID, "error", err)
	}
	return nil
}

// Snapshot classifies every token that has a display-name binding by
// the heartbeat window alone. The join grace period is an admission
// concern and deliberately does not apply here.
func (t *Tracker) Snapshot(ctx context.Context, roomID string) ([]chat.PresenceUser, error) {
	rdb := t.store.Redis()
	users, err := rdb.HGetAll(ctx, store.UsersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read user bindings: %w", err)
	}
	records, err := rdb.HGetAll(ctx, store.PresenceKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence records: %w", err)
	}

	now := t.now()
	out := make([]chat.PresenceUser, 0, len(users))
	for token, username := range users {
		user := chat.PresenceUser{Username: username, Status: "offline"}
		if raw, ok := records[token]; ok {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				user.LastSeen = rec.LastSeen
				if now.Sub(time.UnixMilli(rec.LastSeen)) < LivenessWindow {
					user.Status = "online"
				}
			}
		}
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// PruneStale classifies every token in the membership set and removes
// the stale ones in the same pass, returning the surviving (live) and
// removed (pruned) tokens. The removal is a single-key conditional
// update on the meta hash; when a concurrent writer wins the race the
// prune result is still returned and the write is skipped — the set
// self-heals on the next pass.
func (t *Tracker) PruneStale(ctx context.Context, roomID string) (live, pruned []string, err error) {
	now := t.now()
	err = t.store.Watch(ctx, func(tx *redis.Tx) error {
		live, pruned = nil, nil

		metaFields, err := tx.HGetAll(ctx, store.MetaKey(roomID)).Result()
		if err != nil {
			return fmt.Errorf("read room meta: %w", err)
		}
		if len(metaFields) == 0 {
			return chat.ErrRoomNotFound
		}
		meta, err := store.DecodeMeta(metaFields)
		if err != nil {
			return err
		}

		users, err := tx.HGetAll(ctx, store.UsersKey(roomID)).Result()
		if err != nil {
			return fmt.Errorf("read user bindings: %w", err)
		}
		records, err := tx.HGetAll(ctx, store.PresenceKey(roomID)).Result()
		if err != nil {
			return fmt.Errorf("read presence records: %w", err)
		}

		for _, token := range meta.Connected {
			_, hasBinding := users[token]
			var rec *Record
			if raw, ok := records[token]; ok {
				var r Record
				if json.Unmarshal([]byte(raw), &r) == nil {
					rec = &r
				}
			}
			if Classify(hasBinding, rec, meta.CreatedAt, now).Live() {
				live = append(live, token)
			} else {
				pruned = append(pruned, token)
			}
		}

		if len(pruned) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, store.MetaKey(roomID), store.FieldConnected, store.EncodeTokens(live))
			return nil
		})
		return err
	}, store.MetaKey(roomID))

	if err == redis.TxFailedErr {
		// A concurrent admission rewrote the set first. Keep the
		// classification; the persisted prune waits for the next pass.
		slog.DebugContext(ctx, "Prune write lost the race", "room", roomID)
		err = nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(pruned) > 0 {
		t.pruned.Add(ctx, int64(len(pruned)), metric.WithAttributes(attribute.String("room", roomID)))
		slog.InfoContext(ctx, "Pruned stale tokens", "room", roomID, "pruned", len(pruned), "live", len(live))
	}
	return live, pruned, nil
}
