// Package chat contains Marlin's per-order chat delivery core: durable
// message and read-cursor storage, a push-first delivery channel with
// polling fallback, a session-scoped thread cache with unread
// aggregation, and the facade consumed by the HTTP surface.
package chat

import "time"

// UserID identifies a chat participant as issued by the external auth
// provider. The chat core never validates identity beyond non-emptiness.
type UserID string

// ThreadID identifies the chat thread attached to one order.
type ThreadID int64

// Message is one persisted chat message. Messages are immutable once
// appended; IDs are assigned by the store and increase monotonically
// within a thread.
type Message struct {
	ID        int64     `json:"id"`
	ThreadID  ThreadID  `json:"order_id"`
	SenderID  UserID    `json:"sender_id"`
	Text      string    `json:"message_text"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadCursor marks the last message a user has seen in a thread.
// Unique per (user, thread); upserted on every mark-as-read.
type ReadCursor struct {
	UserID     UserID    `json:"user_id"`
	Thread     ThreadID  `json:"order_id"`
	LastReadID int64     `json:"last_read_message_id"`
	LastReadAt time.Time `json:"last_read_at"`
}
