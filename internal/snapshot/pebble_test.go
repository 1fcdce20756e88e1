package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestPebbleStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "snapshots"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "alice"); err != nil || ok {
		t.Fatalf("empty get: ok=%v err=%v", ok, err)
	}

	blob := []byte(`{"threads":{"42":{}}}`)
	if err := store.Set(ctx, "alice", blob); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := store.Get(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("got=%q want=%q", got, blob)
	}

	// Replace, then delete.
	if err := store.Set(ctx, "alice", []byte(`{}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _, _ = store.Get(ctx, "alice")
	if string(got) != `{}` {
		t.Fatalf("after replace got=%q", got)
	}

	if err := store.Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(ctx, "alice"); err != nil || ok {
		t.Fatalf("after delete: ok=%v err=%v", ok, err)
	}
}

func TestPebbleStoreUsersAreIsolated(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "snapshots"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "alice", []byte("a")); err != nil {
		t.Fatalf("set alice: %v", err)
	}
	if err := store.Set(ctx, "bob", []byte("b")); err != nil {
		t.Fatalf("set bob: %v", err)
	}
	if err := store.Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete alice: %v", err)
	}

	got, ok, err := store.Get(ctx, "bob")
	if err != nil || !ok || string(got) != "b" {
		t.Fatalf("bob blob=%q ok=%v err=%v", got, ok, err)
	}
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "snapshots")
	ctx := context.Background()

	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(ctx, "alice", []byte("persisted")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	got, ok, err := store.Get(ctx, "alice")
	if err != nil || !ok || string(got) != "persisted" {
		t.Fatalf("blob=%q ok=%v err=%v", got, ok, err)
	}
}
