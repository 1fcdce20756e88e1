package chat

import (
	"context"
	"sync"
)

// SnapshotStore mirrors per-user chat state (cached messages plus read
// cursors) to local durable storage for fast reload. Key is the user id,
// value an opaque JSON blob. The core never assumes a particular engine;
// production uses the Pebble-backed implementation in internal/snapshot.
type SnapshotStore interface {
	Get(ctx context.Context, user UserID) ([]byte, bool, error)
	Set(ctx context.Context, user UserID, blob []byte) error
	Delete(ctx context.Context, user UserID) error
	Close() error
}

// MemorySnapshots is an in-memory SnapshotStore for dev mode and tests.
type MemorySnapshots struct {
	mu sync.Mutex
	m  map[UserID][]byte
}

// NewMemorySnapshots constructs an empty in-memory snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{m: make(map[UserID][]byte)}
}

func (s *MemorySnapshots) Get(_ context.Context, user UserID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.m[user]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (s *MemorySnapshots) Set(_ context.Context, user UserID, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[user] = append([]byte(nil), blob...)
	return nil
}

func (s *MemorySnapshots) Delete(_ context.Context, user UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, user)
	return nil
}

func (s *MemorySnapshots) Close() error { return nil }

var _ SnapshotStore = (*MemorySnapshots)(nil)
