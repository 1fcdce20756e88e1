// Package snapshot provides the Pebble-backed local snapshot store used
// to mirror per-user chat cache state across restarts.
package snapshot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"marlin/internal/chat"
)

const keyPrefix = "chatcache:user:"

// PebbleStore is a chat.SnapshotStore backed by a local Pebble database.
type PebbleStore struct {
	log *slog.Logger
	db  *pebble.DB
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string, log *slog.Logger) (*PebbleStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	log.Info("snapshot.pebble_opened", "path", path)
	return &PebbleStore{log: log, db: db}, nil
}

func key(user chat.UserID) []byte {
	return []byte(keyPrefix + string(user))
}

// Get returns the stored blob for a user, if any.
func (s *PebbleStore) Get(ctx context.Context, user chat.UserID) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	val, closer, err := s.db.Get(key(user))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = closer.Close() }()

	out := append([]byte(nil), val...)
	return out, true, nil
}

// Set stores a blob for a user, replacing any previous one.
func (s *PebbleStore) Set(ctx context.Context, user chat.UserID, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// NoSync: the snapshot is a reload accelerator, losing the last write
	// on crash is acceptable.
	return s.db.Set(key(user), blob, pebble.NoSync)
}

// Delete removes a user's blob.
func (s *PebbleStore) Delete(ctx context.Context, user chat.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(key(user), pebble.NoSync)
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

var _ chat.SnapshotStore = (*PebbleStore)(nil)
