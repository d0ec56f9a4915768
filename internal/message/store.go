// Package message owns the per-room message log: append, list, and the
// per-message mutations (reactions, read receipts, soft deletion).
//
// Messages are stored keyed by id in a hash, ordered by a per-room
// sequence counter. Mutations are optimistic compare-and-swap on the
// single message's field, so two members mutating the same message
// concurrently can never lose an update to a stale full-log rewrite.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/store"
)

// casRetries bounds the optimistic-update loop on one message. Retries
// only happen when another writer touched the same message between the
// read and the swap.
const casRetries = 5

// Reaction actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Store is the message log component.
type Store struct {
	store *store.Store
	rt    realtime.Emitter

	appended metric.Int64Counter
	mutated  metric.Int64Counter
}

func NewStore(st *store.Store, rt realtime.Emitter) *Store {
	meter := otel.Meter("message")
	appended, _ := meter.Int64Counter("messages_appended_total",
		metric.WithDescription("Total messages appended"))
	mutated, _ := meter.Int64Counter("messages_mutated_total",
		metric.WithDescription("Total per-message mutations (react, read, delete)"))
	return &Store{store: st, rt: rt, appended: appended, mutated: mutated}
}

// Append validates, sequences, and stores a new message, then fans out
// a chat.message event with the owning token stripped.
func (s *Store) Append(ctx context.Context, roomID, token, sender, text string) (*chat.Message, error) {
	if sender == "" || utf8.RuneCountInString(sender) > chat.MaxSenderLen {
		return nil, fmt.Errorf("%w: sender must be 1-%d characters", chat.ErrInvalidInput, chat.MaxSenderLen)
	}
	if text == "" || utf8.RuneCountInString(text) > chat.MaxTextLen {
		return nil, fmt.Errorf("%w: text must be 1-%d characters", chat.ErrInvalidInput, chat.MaxTextLen)
	}

	ttl, err := s.store.RoomTTL(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, chat.ErrRoomNotFound
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	// Atomic per-room sequence: append order survives concurrent posts.
	seq, err := s.store.Redis().HIncrBy(ctx, store.MetaKey(roomID), store.FieldNextSeq, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("assign message sequence: %w", err)
	}

	msg := &chat.Message{
		ID:        id,
		Seq:       seq,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		RoomID:    roomID,
		Token:     token,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	key := store.MessagesKey(roomID)
	if err := s.store.Redis().HSet(ctx, key, id, data).Err(); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.store.MirrorTTL(ctx, roomID, key)
	s.appended.Add(ctx, 1)

	if err := s.rt.Emit(ctx, roomID, realtime.EventMessage, msg.Sanitized()); err != nil {
		slog.WarnContext(ctx, "Failed to emit message event", "room", roomID, "error", err)
	}
	return msg, nil
}

// List returns the room's full log in append order. The owning token is
// echoed back only on the requester's own messages; everyone else sees
// it stripped — that is how a client tells "mine" from "theirs".
func (s *Store) List(ctx context.Context, roomID, requestingToken string) ([]chat.Message, error) {
	raw, err := s.store.Redis().HGetAll(ctx, store.MessagesKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}

	msgs := make([]chat.Message, 0, len(raw))
	for id, data := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			slog.WarnContext(ctx, "Skipping undecodable message", "room", roomID, "message", id, "error", err)
			continue
		}
		if msg.Token != requestingToken {
			msg = msg.Sanitized()
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// React applies an idempotent add/remove of one (emoji, username) pair
// and fans out a chat.reaction event. Adding an existing pair and
// removing a missing one are defined no-ops, not errors.
func (s *Store) React(ctx context.Context, roomID, messageID, emoji, username, action string) error {
	if action != ActionAdd && action != ActionRemove {
		return fmt.Errorf("%w: unknown reaction action %q", chat.ErrInvalidInput, action)
	}

	applied := false
	_, err := s.mutate(ctx, roomID, messageID, func(msg *chat.Message) bool {
		applied = false
		switch action {
		case ActionAdd:
			if msg.HasReaction(emoji, username) {
				return false
			}
			msg.Reactions = append(msg.Reactions, chat.Reaction{
				Emoji:     emoji,
				Username:  username,
				Timestamp: time.Now().UnixMilli(),
			})
		case ActionRemove:
			kept := msg.Reactions[:0]
			for _, r := range msg.Reactions {
				if r.Emoji != emoji || r.Username != username {
					kept = append(kept, r)
				}
			}
			if len(kept) == len(msg.Reactions) {
				return false
			}
			msg.Reactions = kept
		}
		applied = true
		return true
	})
	if err != nil {
		return err
	}
	// A duplicate add or remove-of-absent is a defined no-op: nothing
	// changed, so nothing is announced.
	if !applied {
		return nil
	}
	s.mutated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "reaction")))

	if err := s.rt.Emit(ctx, roomID, realtime.EventReaction, chat.ReactionEvent{
		MessageID: messageID,
		Emoji:     emoji,
		Username:  username,
		Action:    action,
	}); err != nil {
		slog.WarnContext(ctx, "Failed to emit reaction event", "room", roomID, "error", err)
	}
	return nil
}

// MarkRead records the first time a username read a message. Re-marking
// is a no-op that keeps the earlier timestamp.
func (s *Store) MarkRead(ctx context.Context, roomID, messageID, username string) error {
	applied := false
	_, err := s.mutate(ctx, roomID, messageID, func(msg *chat.Message) bool {
		applied = false
		if msg.ReadBySomeone(username) {
			return false
		}
		msg.ReadBy = append(msg.ReadBy, chat.ReadReceipt{
			Username:  username,
			Timestamp: time.Now().UnixMilli(),
		})
		applied = true
		return true
	})
	if err != nil {
		return err
	}
	if applied {
		s.mutated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "read")))
	}
	return nil
}

// Delete soft-deletes a message: the text is cleared irreversibly, the
// flag set, and id/sender/timestamp kept for UI continuity. Only the
// owning token may delete. The resulting state is fanned out as a
// chat.message event so every viewer converges.
func (s *Store) Delete(ctx context.Context, roomID, messageID, requestingToken string) error {
	applied := false
	updated, err := s.mutate(ctx, roomID, messageID, func(msg *chat.Message) bool {
		applied = false
		if msg.Token != requestingToken {
			return false
		}
		if msg.Deleted {
			return false
		}
		msg.Text = ""
		msg.Deleted = true
		applied = true
		return true
	})
	if err != nil {
		return err
	}
	if updated.Token != requestingToken {
		return chat.ErrNotOwner
	}
	// Re-deleting an already-deleted message is a no-op.
	if !applied {
		return nil
	}
	s.mutated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "delete")))

	if err := s.rt.Emit(ctx, roomID, realtime.EventMessage, updated.Sanitized()); err != nil {
		slog.WarnContext(ctx, "Failed to emit deletion event", "room", roomID, "error", err)
	}
	return nil
}

// mutate runs fn against the current state of one message and writes it
// back with a compare-and-swap on that message's hash field alone. On a
// CAS conflict the message is re-read and fn re-applied, so concurrent
// mutations of the same message serialize instead of losing updates.
// fn returns false to signal a no-op (nothing is written).
func (s *Store) mutate(ctx context.Context, roomID, messageID string, fn func(*chat.Message) bool) (*chat.Message, error) {
	key := store.MessagesKey(roomID)
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, err := s.store.Redis().HGet(ctx, key, messageID).Result()
		if err != nil {
			if err == redis.Nil {
				return nil, chat.ErrMessageNotFound
			}
			return nil, fmt.Errorf("read message: %w", err)
		}

		var msg chat.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}

		if !fn(&msg) {
			return &msg, nil
		}

		data, err := json.Marshal(&msg)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		swapped, err := s.store.CompareAndSwapField(ctx, key, messageID, []byte(raw), data)
		if err != nil {
			return nil, err
		}
		if swapped {
			s.store.MirrorTTL(ctx, roomID, key)
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("message %s: too many concurrent updates", messageID)
}
