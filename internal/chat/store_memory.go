package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerThread = 10_000

// MemoryStore is a Store used when no database is configured (dev mode)
// and throughout the unit tests. It mirrors the Postgres contract:
// monotonic per-thread ids, created_at/id ordering, cursor upsert.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[ThreadID]*memThread
	cursors map[cursorKey]ReadCursor
}

type memThread struct {
	nextID int64
	msgs   []Message // ordered by id
}

type cursorKey struct {
	user   UserID
	thread ThreadID
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[ThreadID]*memThread),
		cursors: make(map[cursorKey]ReadCursor),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// AppendMessage persists a message with a monotonically assigned id.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "chat.AppendMessage"
	if in.Thread == 0 || in.Sender == "" {
		return Message{}, validationErr(op, "missing thread or sender")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr(op, err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[in.Thread]
	if th == nil {
		th = &memThread{msgs: make([]Message, 0, 64)}
		s.threads[in.Thread] = th
	}

	th.nextID++
	m := Message{
		ID:        th.nextID,
		ThreadID:  in.Thread,
		SenderID:  in.Sender,
		Text:      in.Text,
		MediaURL:  in.MediaURL,
		MediaType: in.MediaType,
		CreatedAt: now,
	}
	th.msgs = append(th.msgs, m)

	// Bound memory to avoid unbounded growth in dev.
	if len(th.msgs) > memMaxMessagesPerThread {
		th.msgs = th.msgs[len(th.msgs)-memMaxMessagesPerThread:]
	}

	return m, nil
}

// FetchMessages returns the thread's messages ordered by created_at ASC
// with id ASC as the tie-break.
func (s *MemoryStore) FetchMessages(ctx context.Context, thread ThreadID) ([]Message, error) {
	const op = "chat.FetchMessages"
	if thread == 0 {
		return nil, validationErr(op, "missing thread")
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	s.mu.Lock()
	th := s.threads[thread]
	var snap []Message
	if th != nil {
		snap = append([]Message(nil), th.msgs...)
	}
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool {
		if !snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].CreatedAt.Before(snap[j].CreatedAt)
		}
		return snap[i].ID < snap[j].ID
	})
	return snap, nil
}

// GetLastRead returns the stored cursor for (user, thread), if any.
func (s *MemoryStore) GetLastRead(ctx context.Context, user UserID, thread ThreadID) (ReadCursor, bool, error) {
	if err := ctx.Err(); err != nil {
		return ReadCursor{}, false, storageErr("chat.GetLastRead", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey{user: user, thread: thread}]
	return c, ok, nil
}

// UpsertLastRead stores a cursor keyed on (user, thread).
func (s *MemoryStore) UpsertLastRead(ctx context.Context, cursor ReadCursor) error {
	const op = "chat.UpsertLastRead"
	if cursor.UserID == "" || cursor.Thread == 0 {
		return validationErr(op, "missing user or thread")
	}
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}
	if cursor.LastReadAt.IsZero() {
		cursor.LastReadAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey{user: cursor.UserID, thread: cursor.Thread}] = cursor
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
