// Package admission decides whether a request may enter a room, issues
// and binds membership tokens, and owns the token ledger stored in the
// room's meta hash. It is the route-level gate: every path referencing
// a room passes through Admit before any room-scoped API call.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/presence"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/store"
)

// MaxActiveMembers caps a room at two concurrent members.
const MaxActiveMembers = 2

// bindRetries bounds the conditional-update retry on token binding.
// Past that the plain write still converges (the next prune self-heals
// anything a race let through).
const bindRetries = 3

// Decision is the outcome of a granted admission.
type Decision struct {
	Token string
	// Issued is true when Token was created by this admission rather
	// than reused from the request.
	Issued bool
}

// Controller evaluates admission and maintains the token ledger.
type Controller struct {
	store   *store.Store
	tracker *presence.Tracker
	rt      realtime.Emitter

	admitted metric.Int64Counter
	denied   metric.Int64Counter
}

func NewController(st *store.Store, tracker *presence.Tracker, rt realtime.Emitter) *Controller {
	meter := otel.Meter("admission")
	admitted, _ := meter.Int64Counter("admission_granted_total",
		metric.WithDescription("Total granted admissions"))
	denied, _ := meter.Int64Counter("admission_denied_total",
		metric.WithDescription("Total denied admissions"))
	return &Controller{store: st, tracker: tracker, rt: rt, admitted: admitted, denied: denied}
}

// Admit evaluates one entry attempt against the room's current
// membership. A valid bound token is readmitted unconditionally; an
// unbound request gets a fresh token while a slot is free. The stale
// prune inside this check is persisted, so every admission pass heals
// the membership set.
//
// Two concurrent first admissions can transiently over-fill the room;
// that is tolerated and converges within one liveness window.
func (c *Controller) Admit(ctx context.Context, roomID, existingToken string) (Decision, error) {
	ttl, err := c.store.RoomTTL(ctx, roomID)
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		c.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "not_found")))
		return Decision{}, chat.ErrRoomNotFound
	}

	live, pruned, err := c.tracker.PruneStale(ctx, roomID)
	if err != nil {
		if err == chat.ErrRoomNotFound {
			c.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "not_found")))
		}
		return Decision{}, err
	}

	if existingToken != "" && slices.Contains(live, existingToken) {
		return Decision{Token: existingToken}, nil
	}

	if len(live) >= MaxActiveMembers {
		c.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "full")))
		return Decision{}, chat.ErrRoomFull
	}

	token, err := gonanoid.New()
	if err != nil {
		return Decision{}, fmt.Errorf("generate token: %w", err)
	}
	if err := c.bindToken(ctx, roomID, token, pruned); err != nil {
		return Decision{}, err
	}

	c.admitted.Add(ctx, 1)
	slog.InfoContext(ctx, "Admitted new member", "room", roomID, "active", len(live)+1)
	return Decision{Token: token, Issued: true}, nil
}

// bindToken appends the new token to the membership set, dropping the
// tokens the admission pass just pruned. The write is a conditional
// update on the meta key; tokens bound concurrently by another request
// survive it.
func (c *Controller) bindToken(ctx context.Context, roomID, token string, pruned []string) error {
	var err error
	for attempt := 0; attempt < bindRetries; attempt++ {
		err = c.store.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, store.MetaKey(roomID)).Result()
			if err != nil {
				return fmt.Errorf("read room meta: %w", err)
			}
			if len(fields) == 0 {
				return chat.ErrRoomNotFound
			}
			meta, err := store.DecodeMeta(fields)
			if err != nil {
				return err
			}

			connected := make([]string, 0, len(meta.Connected)+1)
			for _, t := range meta.Connected {
				if !slices.Contains(pruned, t) {
					connected = append(connected, t)
				}
			}
			connected = append(connected, token)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, store.MetaKey(roomID), store.FieldConnected, store.EncodeTokens(connected))
				return nil
			})
			return err
		}, store.MetaKey(roomID))
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("bind token: %w", err)
}

// IsMember reports whether the token is bound to the room. This is the
// per-call auth check behind every token-bound API operation.
func (c *Controller) IsMember(ctx context.Context, roomID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	meta, err := c.store.ReadMeta(ctx, roomID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	return slices.Contains(meta.Connected, token), nil
}

// BindDisplayName completes a join: it pairs the token with the chosen
// display name, seeds the first heartbeat, and announces the arrival. A
// token without this binding has passed admission but has not joined the
// room in the application sense.
func (c *Controller) BindDisplayName(ctx context.Context, roomID, token, username string) error {
	key := store.UsersKey(roomID)
	if err := c.store.Redis().HSet(ctx, key, token, username).Err(); err != nil {
		return fmt.Errorf("bind display name: %w", err)
	}
	c.store.MirrorTTL(ctx, roomID, key)

	// The first heartbeat rides the join: the member must be live
	// before the client's heartbeat ticker starts, or the next
	// admission pass could prune a just-joined token in an old room.
	if err := c.tracker.Heartbeat(ctx, roomID, token, username); err != nil {
		return err
	}

	if err := c.rt.Emit(ctx, roomID, realtime.EventConnection, chat.ConnectionEvent{
		Username:  username,
		Action:    "joined",
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		slog.WarnContext(ctx, "Failed to emit connection event", "room", roomID, "error", err)
	}
	return nil
}
