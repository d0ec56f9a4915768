// Package realtime fans room-scoped events out to subscribers of the
// room's channel and keeps a bounded replay window for (re)connecting
// clients. Events published from one request are delivered in publish
// order; nothing is guaranteed across rooms.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/store"
	"github.com/example/ephemeral-chat/internal/telemetry"
)

// Event names carried on a room channel.
const (
	EventMessage    = "chat.message"
	EventDestroy    = "chat.destroy"
	EventTyping     = "chat.typing"
	EventPresence   = "chat.presence"
	EventConnection = "chat.connection"
	EventReaction   = "chat.reaction"
)

// ReplayMax bounds the per-room replay window.
const ReplayMax = 50

// Envelope wraps an event for the wire and the replay buffer.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Emitter is the publish side of the fan-out contract. Components emit
// through it after every successful mutation.
type Emitter interface {
	Emit(ctx context.Context, roomID, event string, payload any) error
}

// SubjectFor returns the NATS subject for a room's channel.
func SubjectFor(roomID string) string {
	return "chat.room." + roomID
}

// Publisher delivers events over NATS and mirrors them into the room's
// replay buffer in the ephemeral store.
type Publisher struct {
	nc    *nats.Conn
	store *store.Store

	published metric.Int64Counter
}

func NewPublisher(nc *nats.Conn, st *store.Store) *Publisher {
	meter := otel.Meter("realtime")
	published, _ := meter.Int64Counter("realtime_events_published_total",
		metric.WithDescription("Total events published to room channels"))
	return &Publisher{nc: nc, store: st, published: published}
}

// Emit publishes one event to the room's channel and appends it to the
// replay buffer. Typing events are excluded from the buffer: replaying
// a stale typing indicator is worse than dropping it.
func (p *Publisher) Emit(ctx context.Context, roomID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{Event: event, Data: data, Timestamp: time.Now().UnixMilli()}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	if err := telemetry.TracedPublish(ctx, p.nc, SubjectFor(roomID), raw); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	p.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))

	if event != EventTyping {
		p.buffer(ctx, roomID, raw)
	}
	return nil
}

// buffer appends the envelope to history:{roomId}, trims the window,
// and clamps its TTL to the room's. Best-effort: the publish already
// happened, a lost buffer entry only shortens the replay window.
func (p *Publisher) buffer(ctx context.Context, roomID string, raw []byte) {
	rdb := p.store.Redis()
	key := store.HistoryKey(roomID)
	if err := rdb.LPush(ctx, key, raw).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to buffer event", "room", roomID, "error", err)
		return
	}
	if err := rdb.LTrim(ctx, key, 0, ReplayMax-1).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to trim replay buffer", "room", roomID, "error", err)
	}
	p.store.MirrorTTL(ctx, roomID, key)
}

// Replay returns the buffered window for a room, oldest first.
func (p *Publisher) Replay(ctx context.Context, roomID string) ([]Envelope, error) {
	raws, err := p.store.Redis().LRange(ctx, store.HistoryKey(roomID), 0, ReplayMax-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer: %w", err)
	}
	envs := make([]Envelope, 0, len(raws))
	// LPUSH stores newest first; reverse to delivery order.
	for i := len(raws) - 1; i >= 0; i-- {
		var env Envelope
		if err := json.Unmarshal([]byte(raws[i]), &env); err != nil {
			slog.WarnContext(ctx, "Skipping undecodable replay entry", "room", roomID, "error", err)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Subscribe delivers a room's events to handler in publish order until
// the subscription is unsubscribed. The handler context carries the
// publisher's trace context.
func (p *Publisher) Subscribe(roomID string, handler func(context.Context, Envelope)) (*nats.Subscription, error) {
	return p.nc.Subscribe(SubjectFor(roomID), func(msg *nats.Msg) {
		ctx := telemetry.ExtractContext(context.Background(), msg.Header)
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(ctx, "Dropping undecodable room event", "room", roomID, "error", err)
			return
		}
		handler(ctx, env)
	})
}
