// Package presence tracks per-token liveness from client heartbeats and
// classifies members for admission control and the presence snapshot.
package presence

import "time"

// Liveness timers. A heartbeat older than the liveness window makes a
// token stale; a token that has joined but never heartbeated is carried
// by the grace period measured from room creation.
const (
	LivenessWindow  = 60 * time.Second
	JoinGracePeriod = 120 * time.Second
)

// Record is the stored per-token heartbeat entry.
type Record struct {
	DisplayName string `json:"displayName"`
	LastSeen    int64  `json:"lastSeen"`
}

// State is the liveness classification of one token.
type State int

const (
	// StateStale: heartbeat too old, grace period exhausted, or the
	// token never completed its join.
	StateStale State = iota
	// StateActive: a heartbeat arrived within the liveness window.
	StateActive
	// StateNoRecord: joined, no heartbeat yet, still inside the
	// creation-age grace period.
	StateNoRecord
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateNoRecord:
		return "no-record"
	default:
		return "stale"
	}
}

// Live reports whether the state counts toward the active-member count.
func (s State) Live() bool {
	return s == StateActive || s == StateNoRecord
}

// Classify applies the two-timer liveness heuristic to one token.
// A missing display-name binding always classifies stale: the token
// passed admission but never completed the join.
func Classify(hasUserBinding bool, rec *Record, roomCreatedAt, now time.Time) State {
	if !hasUserBinding {
		return StateStale
	}
	if rec != nil {
		if now.Sub(time.UnixMilli(rec.LastSeen)) < LivenessWindow {
			return StateActive
		}
		return StateStale
	}
	if now.Sub(roomCreatedAt) <= JoinGracePeriod {
		return StateNoRecord
	}
	return StateStale
}
