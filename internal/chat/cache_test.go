package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestCache(store Store, transport PushTransport, snaps SnapshotStore, user UserID, cfg CacheConfig) (*ThreadCache, *CursorTracker) {
	tr := NewCursorTracker(nil, store, user)
	if transport == nil {
		transport = NewLoopbackTransport(nil)
	}
	if snaps == nil {
		snaps = NewMemorySnapshots()
	}
	cfg.Channel = testChannelConfig()
	return NewThreadCache(nil, store, tr, transport, snaps, user, cfg), tr
}

func TestUnreadCountScenario(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, tr := newTestCache(store, nil, nil, "alice", CacheConfig{})
	ctx := context.Background()

	mustAppend(t, store, 42, "alice", "hi")
	m2 := mustAppend(t, store, 42, "bob", "hello")

	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	// No cursor yet: one message from bob is unread, but the count is a
	// conservative bound, not exact.
	if n, exact := cache.UnreadCount(42); n != 1 || exact {
		t.Fatalf("UnreadCount=%d,%v want=1,false", n, exact)
	}

	tr.MarkRead(42, m2.ID)
	if n, exact := cache.UnreadCount(42); n != 0 || !exact {
		t.Fatalf("after read: UnreadCount=%d,%v want=0,true", n, exact)
	}

	m3 := mustAppend(t, store, 42, "bob", "anyone?")
	cache.AppendLive(42, m3)
	if n, exact := cache.UnreadCount(42); n != 1 || !exact {
		t.Fatalf("after new message: UnreadCount=%d,%v want=1,true", n, exact)
	}

	// Own messages never count as unread.
	m4 := mustAppend(t, store, 42, "alice", "yes")
	cache.AppendLive(42, m4)
	if n, exact := cache.UnreadCount(42); n != 1 || !exact {
		t.Fatalf("after own message: UnreadCount=%d,%v want=1,true", n, exact)
	}
	tr.Wait()
}

func TestUnreadCountCursorOutsideWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, tr := newTestCache(store, nil, nil, "alice", CacheConfig{})

	mustAppend(t, store, 42, "bob", "one")
	mustAppend(t, store, 42, "bob", "two")
	if err := cache.PreFetch(context.Background(), 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	// Cursor points at a message the cache has never seen: fall back to
	// counting every non-own message.
	tr.MarkRead(42, 999)
	if n, exact := cache.UnreadCount(42); n != 2 || exact {
		t.Fatalf("UnreadCount=%d,%v want=2,false", n, exact)
	}
	tr.Wait()
}

func TestUnreadCountUnknownThread(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, _ := newTestCache(store, nil, nil, "alice", CacheConfig{})
	if n, exact := cache.UnreadCount(99); n != 0 || exact {
		t.Fatalf("UnreadCount=%d,%v want=0,false", n, exact)
	}
}

func TestPreFetchHonorsFreshnessWindow(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store := newCountingStore(inner)
	cache, _ := newTestCache(store, nil, nil, "alice", CacheConfig{Freshness: time.Hour})
	ctx := context.Background()

	mustAppend(t, inner, 42, "bob", "hi")
	for i := 0; i < 3; i++ {
		if err := cache.PreFetch(ctx, 42); err != nil {
			t.Fatalf("prefetch %d: %v", i, err)
		}
	}
	if got := store.fetches.Load(); got != 1 {
		t.Fatalf("fetches=%d want=1 (fresh entries must not refetch)", got)
	}
}

func TestPreFetchRefetchesStaleEntry(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store := newCountingStore(inner)
	cache, _ := newTestCache(store, nil, nil, "alice", CacheConfig{Freshness: 10 * time.Millisecond})
	ctx := context.Background()

	mustAppend(t, inner, 42, "bob", "hi")
	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("second prefetch: %v", err)
	}
	if got := store.fetches.Load(); got != 2 {
		t.Fatalf("fetches=%d want=2", got)
	}
}

func TestAppendLiveDeduplicates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, _ := newTestCache(store, nil, nil, "alice", CacheConfig{})

	m := mustAppend(t, store, 42, "bob", "hi")
	cache.AppendLive(42, m)
	cache.AppendLive(42, m)

	if got := len(cache.CachedMessages(42)); got != 1 {
		t.Fatalf("cached=%d want=1", got)
	}
	if got := cache.MaxCachedID(42); got != m.ID {
		t.Fatalf("MaxCachedID=%d want=%d", got, m.ID)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	snaps := NewMemorySnapshots()
	ctx := context.Background()

	mustAppend(t, store, 42, "alice", "hi")
	m2 := mustAppend(t, store, 42, "bob", "hello")

	cache, tr := newTestCache(store, nil, snaps, "alice", CacheConfig{})
	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	tr.MarkRead(42, m2.ID)
	tr.Wait()
	m3 := mustAppend(t, store, 42, "bob", "again")
	cache.AppendLive(42, m3) // persists messages and cursors

	// A fresh session warm-starts from the snapshot without hitting the
	// message store.
	inner := NewMemoryStore()
	counting := newCountingStore(inner)
	tr2 := NewCursorTracker(nil, counting, "alice")
	cache2 := NewThreadCache(nil, counting, tr2, NewLoopbackTransport(nil), snaps, "alice", CacheConfig{Freshness: time.Hour})
	if err := cache2.LoadSnapshot(ctx); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if got := len(cache2.CachedMessages(42)); got != 3 {
		t.Fatalf("restored messages=%d want=3", got)
	}
	if n, exact := cache2.UnreadCount(42); n != 1 || !exact {
		t.Fatalf("restored UnreadCount=%d,%v want=1,true", n, exact)
	}
	if got := counting.fetches.Load(); got != 0 {
		t.Fatalf("warm start fetched %d times, want 0", got)
	}
}

func TestLoadSnapshotIgnoresCorruptBlob(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	snaps := NewMemorySnapshots()
	ctx := context.Background()
	if err := snaps.Set(ctx, "alice", []byte("{not json")); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	cache, _ := newTestCache(store, nil, snaps, "alice", CacheConfig{})
	if err := cache.LoadSnapshot(ctx); err != nil {
		t.Fatalf("corrupt snapshot must not fail the session: %v", err)
	}
	if got := len(cache.CachedMessages(42)); got != 0 {
		t.Fatalf("cached=%d want=0", got)
	}
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	transport := NewLoopbackTransport(nil)
	cache, _ := newTestCache(store, transport, nil, "alice", CacheConfig{})
	ctx := context.Background()

	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	var mu sync.Mutex
	var updates []ThreadUpdate
	cache.Subscribe(42, func(u ThreadUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	defer cache.UnsubscribeAll()

	waitFor(t, time.Second, func() bool { return cache.SubscriptionState(42) == SubPush }, "push active")

	m := mustAppend(t, store, 42, "bob", "hello")
	if err := transport.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, "thread update")

	mu.Lock()
	u := updates[0]
	mu.Unlock()
	if u.Thread != 42 || u.Message.ID != m.ID {
		t.Fatalf("update=%+v want thread 42 message %d", u, m.ID)
	}
	if u.Unread != 1 {
		t.Fatalf("update unread=%d want=1", u.Unread)
	}
	if got := len(cache.CachedMessages(42)); got != 1 {
		t.Fatalf("cached=%d want=1", got)
	}
}

func TestSubscribeDuplicateIsNoop(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	transport := newFakeTransport(true)
	cache, _ := newTestCache(store, transport, nil, "alice", CacheConfig{})

	cache.Subscribe(42, nil)
	cache.Subscribe(42, nil)
	defer cache.UnsubscribeAll()

	if !cache.Subscribed(42) {
		t.Fatal("Subscribed=false want=true")
	}
	waitFor(t, time.Second, func() bool { return cache.SubscriptionState(42) == SubPush }, "push active")
	time.Sleep(30 * time.Millisecond)
	if got := transport.subCount(); got != 1 {
		t.Fatalf("transport subscriptions=%d want=1", got)
	}
}

func TestUnsubscribeIdempotentOnCache(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, _ := newTestCache(store, newFakeTransport(true), nil, "alice", CacheConfig{})

	cache.Subscribe(42, nil)
	cache.Unsubscribe(42)
	cache.Unsubscribe(42)

	if cache.Subscribed(42) {
		t.Fatal("Subscribed=true want=false")
	}
	if got := cache.SubscriptionState(42); got != SubNone {
		t.Fatalf("SubscriptionState=%v want=%v", got, SubNone)
	}
}

func TestSubscribeFallsBackToPollingState(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cache, _ := newTestCache(store, newFakeTransport(false), nil, "alice", CacheConfig{})

	cache.Subscribe(42, nil)
	defer cache.UnsubscribeAll()

	waitFor(t, time.Second, func() bool { return cache.SubscriptionState(42) == SubPolling }, "polling state")
}

func TestClearDropsLocalStateOnly(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	snaps := NewMemorySnapshots()
	ctx := context.Background()

	m := mustAppend(t, store, 42, "bob", "hi")
	cache, tr := newTestCache(store, nil, snaps, "alice", CacheConfig{})
	if err := cache.PreFetch(ctx, 42); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	tr.MarkRead(42, m.ID)
	tr.Wait()

	cache.Clear(ctx)

	if got := len(cache.CachedMessages(42)); got != 0 {
		t.Fatalf("cached=%d want=0", got)
	}
	if _, ok := tr.Cached(42); ok {
		t.Fatal("cursor cache should be empty after Clear")
	}
	if _, ok, err := snaps.Get(ctx, "alice"); err != nil || ok {
		t.Fatalf("snapshot still present: ok=%v err=%v", ok, err)
	}

	// Durable state survives.
	if _, found, err := store.GetLastRead(ctx, "alice", 42); err != nil || !found {
		t.Fatalf("durable cursor lost: found=%v err=%v", found, err)
	}
	msgs, err := store.FetchMessages(ctx, 42)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("durable messages: n=%d err=%v", len(msgs), err)
	}
}
