package chat

import (
	"context"
	"time"
)

// MessageStore persists and queries thread messages.
//
// Requirements:
//   - FetchMessages returns messages ordered by created_at ASC, with id ASC
//     as the tie-break (timestamps have second resolution in practice).
//   - AppendMessage assigns the id and timestamp server-side and returns
//     the persisted row.
//   - Failures wrap ErrStorage; callers decide whether to surface them or
//     fall back to cached state.
type MessageStore interface {
	FetchMessages(ctx context.Context, thread ThreadID) ([]Message, error)
	AppendMessage(ctx context.Context, in AppendInput) (Message, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	Thread    ThreadID
	Sender    UserID
	Text      string
	MediaURL  string
	MediaType string

	// Now overrides the server timestamp when non-zero (tests only).
	Now time.Time
}

// CursorStore persists per-(user, thread) read cursors.
//
// UpsertLastRead is keyed on (user_id, order_id); GetLastRead reports
// found=false when the user has never marked the thread read.
type CursorStore interface {
	GetLastRead(ctx context.Context, user UserID, thread ThreadID) (ReadCursor, bool, error)
	UpsertLastRead(ctx context.Context, cursor ReadCursor) error
}

// Store is the combined durable surface the chat core is built on.
// Both the Postgres and in-memory implementations satisfy it.
type Store interface {
	MessageStore
	CursorStore
}
