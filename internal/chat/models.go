package chat

import "time"

// SessionStatus is the lifecycle state of a chat session
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusInactive SessionStatus = "inactive"
	StatusClosed   SessionStatus = "closed"
)

// ChatSession represents one customer-support conversation.
// Transitions are one-directional except inactive -> active, which
// happens only when a new message arrives. Closed is terminal.
type ChatSession struct {
	ID             int64         `json:"id"`
	UserID         int64         `json:"user_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// ChatMessage is a single message within a session. Immutable once
// created; ordering is by CreatedAt ascending with ties broken by ID.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
