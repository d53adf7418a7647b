// Package models defines session state structures for PersonaPipe conversations.
package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionState is the coarse conversation state derived from a Session.
type SessionState string

const (
	// StateNew is a session that has not processed any message yet.
	StateNew SessionState = "new"
	// StateActive is the steady conversational state.
	StateActive SessionState = "active"
	// StateCoolingDown is entered after repeated generation failures and left on the next success.
	StateCoolingDown SessionState = "cooling_down"
	// StateEscalated is terminal for generation; commands keep working.
	StateEscalated SessionState = "escalated"
)

// Turn is a single message in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the in-memory conversational state of one user.
type Session struct {
	UserID              string            `json:"user_id"`
	MessageCount        int               `json:"message_count"`
	History             []Turn            `json:"history"`
	LastSeenAt          time.Time         `json:"last_seen_at"`
	Escalated           bool              `json:"escalated"`
	FollowupSent        bool              `json:"followup_sent"`
	Engaged             bool              `json:"engaged,omitempty"` // set by conversational messages, not commands
	ConsecutiveFailures int               `json:"consecutive_failures"`
	ProfileSnapshot     map[string]string `json:"profile_snapshot,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// NewSession returns a zero-state session for userID.
func NewSession(userID string, now time.Time) Session {
	return Session{
		UserID:          userID,
		History:         []Turn{},
		LastSeenAt:      now,
		ProfileSnapshot: map[string]string{},
		CreatedAt:       now,
	}
}

// AppendTurn adds a turn to the history.
func (s *Session) AppendTurn(role Role, content string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: at})
}

// RecentHistory returns at most the last n turns. The returned slice is a copy.
func (s Session) RecentHistory(n int) []Turn {
	if n <= 0 || len(s.History) == 0 {
		return []Turn{}
	}
	start := 0
	if len(s.History) > n {
		start = len(s.History) - n
	}
	out := make([]Turn, len(s.History)-start)
	copy(out, s.History[start:])
	return out
}

// State derives the coarse conversation state. failureThreshold is the number of
// consecutive generation failures that puts a session into cooldown.
func (s Session) State(failureThreshold int) SessionState {
	switch {
	case s.Escalated:
		return StateEscalated
	case s.MessageCount == 0 && len(s.History) == 0:
		return StateNew
	case failureThreshold > 0 && s.ConsecutiveFailures >= failureThreshold:
		return StateCoolingDown
	default:
		return StateActive
	}
}

// IdleFor reports how long the session has been idle at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastSeenAt)
}

// Clone returns a deep copy so callers can read a session without holding its lock.
func (s Session) Clone() Session {
	c := s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	c.ProfileSnapshot = make(map[string]string, len(s.ProfileSnapshot))
	for k, v := range s.ProfileSnapshot {
		c.ProfileSnapshot[k] = v
	}
	return c
}
