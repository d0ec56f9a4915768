// Package chat holds the domain types and error taxonomy shared by the
// room, presence, admission, and message components.
package chat

// Length bounds enforced when a message is appended.
const (
	MaxSenderLen = 100
	MaxTextLen   = 1000
)

// Reaction is a single (emoji, username) pair on a message. At most one
// reaction exists per pair per message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// ReadReceipt records the first time a username read a message.
type ReadReceipt struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// Message is one entry in a room's ordered log. Token is the owning
// membership token: it authorizes deletion and is echoed back only to
// its own owner, never fanned out or shown to other members.
type Message struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	Sender    string        `json:"sender"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
	RoomID    string        `json:"roomId"`
	Token     string        `json:"token,omitempty"`
	Reactions []Reaction    `json:"reactions,omitempty"`
	ReadBy    []ReadReceipt `json:"readBy,omitempty"`
	Deleted   bool          `json:"deleted,omitempty"`
}

// HasReaction reports whether the (emoji, username) pair is present.
func (m *Message) HasReaction(emoji, username string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.Username == username {
			return true
		}
	}
	return false
}

// ReadBySomeone reports whether username already has a read receipt.
func (m *Message) ReadBySomeone(username string) bool {
	for _, r := range m.ReadBy {
		if r.Username == username {
			return true
		}
	}
	return false
}

// Sanitized returns a copy safe to fan out or return to a non-owner:
// the owning token is stripped.
func (m Message) Sanitized() Message {
	m.Token = ""
	return m
}

// TypingEvent is the chat.typing payload. Fire-and-forget.
type TypingEvent struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEvent is the chat.presence payload.
type PresenceEvent struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// ConnectionEvent is the chat.connection payload, emitted when a member
// completes a join or leaves.
type ConnectionEvent struct {
	Username  string `json:"username"`
	Action    string `json:"action"` // "joined" or "left"
	Timestamp int64  `json:"timestamp"`
}

// ReactionEvent is the chat.reaction payload.
type ReactionEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Username  string `json:"username"`
	Action    string `json:"action"` // "add" or "remove"
}

// DestroyEvent is the chat.destroy payload, emitted before the room's
// keys are deleted.
type DestroyEvent struct {
	IsDestroyed bool `json:"isDestroyed"`
}

// PresenceUser is one entry in a presence snapshot.
type PresenceUser struct {
	Username string `json:"username"`
	Status   string `json:"status"` // "online" or "offline"
	LastSeen int64  `json:"lastSeen,omitempty"`
}
