package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ephemeral-chat/internal/store"
)

type emittedEvent struct {
	RoomID  string
	Event   string
	Payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeEmitter) Emit(_ context.Context, roomID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{RoomID: roomID, Event: event, Payload: payload})
	return nil
}

func (f *fakeEmitter) all() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emittedEvent(nil), f.events...)
}

func newTestTracker(t *testing.T) (*Tracker, *store.Store, *fakeEmitter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.New(rdb)
	emitter := &fakeEmitter{}
	return NewTracker(st, emitter), st, emitter
}

func seedRoom(t *testing.T, st *store.Store, roomID string, createdAt time.Time, tokens []string) {
	t.Helper()
	ctx := context.Background()
	err := st.Redis().HSet(ctx, store.MetaKey(roomID),
		store.FieldConnected, store.EncodeTokens(tokens),
		store.FieldCreatedAt, strconv.FormatInt(createdAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		t.Fatalf("seed room: %v", err)
	}
	if err := st.Redis().Expire(ctx, store.MetaKey(roomID), 10*time.Minute).Err(); err != nil {
		t.Fatalf("seed room ttl: %v", err)
	}
}

func TestHeartbeat_StoresRecordAndEmitsOnline(t *testing.T) {
	tracker, st, emitter := newTestTracker(t)
	ctx := context.Background()
	seedRoom(t, st, "r1", time.Now(), []string{"tok1"})

	if err := tracker.Heartbeat(ctx, "r1", "tok1", "Lion"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	raw, err := st.Redis().HGet(ctx, store.PresenceKey("r1"), "tok1").Result()
	if err != nil {
		t.Fatalf("read presence record: %v", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode presence record: %v", err)
	}
	if rec.DisplayName != "Lion" {
		t.Errorf("Expected display name Lion, got %q", rec.DisplayName)
	}
	if rec.LastSeen == 0 {
		t.Error("Expected lastSeen to be set")
	}

	events := emitter.all()
	if len(events) != 1 || events[0].Event != "chat.presence" {
		t.Fatalf("Expected one chat.presence event, got %+v", events)
	}
}

func TestSnapshot_ClassifiesByHeartbeatWindowOnly(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	// Room created just now: the grace period would cover never-seen
	// tokens for admission, but the snapshot must not apply it.
	seedRoom(t, st, "r1", now, []string{"tokA", "tokB", "tokC"})

	if err := st.Redis().HSet(ctx, store.UsersKey("r1"), "tokA", "Lion", "tokB", "Tiger", "tokC", "Bear").Err(); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	fresh, _ := json.Marshal(Record{DisplayName: "Lion", LastSeen: now.Add(-10 * time.Second).UnixMilli()})
	stale, _ := json.Marshal(Record{DisplayName: "Tiger", LastSeen: now.Add(-2 * time.Minute).UnixMilli()})
	if err := st.Redis().HSet(ctx, store.PresenceKey("r1"), "tokA", fresh, "tokB", stale).Err(); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	snapshot, err := tracker.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("Expected 3 users, got %d", len(snapshot))
	}

	statuses := map[string]string{}
	for _, u := range snapshot {
		statuses[u.Username] = u.Status
	}
	if statuses["Lion"] != "online" {
		t.Errorf("Expected Lion online, got %q", statuses["Lion"])
	}
	if statuses["Tiger"] != "offline" {
		t.Errorf("Expected Tiger offline (stale heartbeat), got %q", statuses["Tiger"])
	}
	if statuses["Bear"] != "offline" {
		t.Errorf("Expected Bear offline (no heartbeat, no grace in snapshots), got %q", statuses["Bear"])
	}
}

func TestPruneStale_RemovesStaleTokensInSamePass(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	// Room is old enough that the grace period is exhausted.
	seedRoom(t, st, "r1", now.Add(-5*time.Minute), []string{"live", "neverJoined", "silent"})

	// "live" has a binding and a fresh heartbeat; "silent" has a
	// binding but never heartbeated; "neverJoined" has no binding.
	if err := st.Redis().HSet(ctx, store.UsersKey("r1"), "live", "Lion", "silent", "Tiger").Err(); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	rec, _ := json.Marshal(Record{DisplayName: "Lion", LastSeen: now.UnixMilli()})
	if err := st.Redis().HSet(ctx, store.PresenceKey("r1"), "live", rec).Err(); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	live, pruned, err := tracker.PruneStale(ctx, "r1")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(live) != 1 || live[0] != "live" {
		t.Errorf("Expected only the heartbeating token to survive, got %v", live)
	}
	if len(pruned) != 2 {
		t.Errorf("Expected 2 pruned tokens, got %v", pruned)
	}

	// The prune must be persisted.
	meta, err := st.ReadMeta(ctx, "r1")
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if len(meta.Connected) != 1 || meta.Connected[0] != "live" {
		t.Errorf("Expected persisted membership [live], got %v", meta.Connected)
	}
}

func TestPruneStale_GracePeriodKeepsFreshJoiner(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()
	// Young room: a bound token with no heartbeat yet stays live.
	seedRoom(t, st, "r1", time.Now().Add(-30*time.Second), []string{"tok1"})
	if err := st.Redis().HSet(ctx, store.UsersKey("r1"), "tok1", "Lion").Err(); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	live, pruned, err := tracker.PruneStale(ctx, "r1")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(live) != 1 || len(pruned) != 0 {
		t.Errorf("Expected joiner kept by grace period, got live=%v pruned=%v", live, pruned)
	}
}

func TestPruneStale_MissingRoom(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	if _, _, err := tracker.PruneStale(context.Background(), "nope"); err == nil {
		t.Fatal("Expected error for missing room")
	}
}
