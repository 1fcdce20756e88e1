package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const cursorSyncTimeout = 5 * time.Second

// CursorTracker keeps per-thread read cursors for one user: a local
// cache for synchronous reads plus best-effort synchronization with the
// durable CursorStore.
//
// Consistency caveat: MarkRead is availability-over-durability by
// design. The local cache reflects "read" immediately; the durable
// upsert runs in the background and its failure is logged and
// swallowed, so another session may briefly observe an older cursor.
type CursorTracker struct {
	log   *slog.Logger
	store CursorStore
	user  UserID

	mu    sync.Mutex
	cache map[ThreadID]ReadCursor

	wg sync.WaitGroup
}

// NewCursorTracker constructs a tracker for one user.
func NewCursorTracker(log *slog.Logger, store CursorStore, user UserID) *CursorTracker {
	if log == nil {
		log = slog.Default()
	}
	return &CursorTracker{
		log:   log,
		store: store,
		user:  user,
		cache: make(map[ThreadID]ReadCursor),
	}
}

// LastRead returns the best currently-known cursor for a thread from the
// local cache and kicks off a background reconcile against the durable
// store. The durable value wins once resolved (unless the cache has
// advanced past it in the meantime).
func (t *CursorTracker) LastRead(thread ThreadID) (int64, bool) {
	t.mu.Lock()
	c, ok := t.cache[thread]
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconcileOne(thread)
	}()

	if !ok {
		return 0, false
	}
	return c.LastReadID, true
}

// Cached returns the cached cursor without touching the durable store.
// This is the synchronous path unread counting relies on.
func (t *CursorTracker) Cached(thread ThreadID) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cache[thread]
	if !ok {
		return 0, false
	}
	return c.LastReadID, true
}

// MarkRead advances the cursor: the cache updates synchronously, the
// durable upsert runs in the background. Upsert failures are logged and
// swallowed; the cache keeps reflecting "read" for this session.
func (t *CursorTracker) MarkRead(thread ThreadID, messageID int64) {
	now := time.Now().UTC()
	cursor := ReadCursor{
		UserID:     t.user,
		Thread:     thread,
		LastReadID: messageID,
		LastReadAt: now,
	}

	t.mu.Lock()
	// Never regress the cache: a stale MarkRead (second tab, replayed UI
	// event) must not undo a newer one.
	if cur, ok := t.cache[thread]; !ok || messageID >= cur.LastReadID {
		t.cache[thread] = cursor
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cursorSyncTimeout)
		defer cancel()
		if err := t.store.UpsertLastRead(ctx, cursor); err != nil {
			metricCursorReconcileFailures.Inc()
			t.log.Warn("cursor.upsert_fail", "thread_id", thread, "message_id", messageID, "err", err)
		}
	}()
}

// Reconcile pulls durable cursors for a batch of threads into the cache.
// Used once after login so unread counts become accurate without a round
// trip per render. Failures are logged and swallowed per thread.
func (t *CursorTracker) Reconcile(ctx context.Context, threads []ThreadID) {
	for _, thread := range threads {
		if err := ctx.Err(); err != nil {
			return
		}
		t.reconcileOneCtx(ctx, thread)
	}
}

func (t *CursorTracker) reconcileOne(thread ThreadID) {
	ctx, cancel := context.WithTimeout(context.Background(), cursorSyncTimeout)
	defer cancel()
	t.reconcileOneCtx(ctx, thread)
}

func (t *CursorTracker) reconcileOneCtx(ctx context.Context, thread ThreadID) {
	durable, found, err := t.store.GetLastRead(ctx, t.user, thread)
	if err != nil {
		metricCursorReconcileFailures.Inc()
		t.log.Warn("cursor.reconcile_fail", "thread_id", thread, "err", err)
		return
	}
	if !found {
		return
	}

	t.mu.Lock()
	if cur, ok := t.cache[thread]; !ok || durable.LastReadID > cur.LastReadID {
		t.cache[thread] = durable
	}
	t.mu.Unlock()
}

// ClearCache drops the local cache only; durable cursors are untouched.
func (t *CursorTracker) ClearCache() {
	t.mu.Lock()
	t.cache = make(map[ThreadID]ReadCursor)
	t.mu.Unlock()
}

// Snapshot returns a copy of the cached cursors for persistence.
func (t *CursorTracker) Snapshot() map[ThreadID]ReadCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ThreadID]ReadCursor, len(t.cache))
	for k, v := range t.cache {
		out[k] = v
	}
	return out
}

// Restore seeds the cache from a persisted snapshot without regressing
// anything already cached.
func (t *CursorTracker) Restore(cursors map[ThreadID]ReadCursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for thread, c := range cursors {
		if cur, ok := t.cache[thread]; !ok || c.LastReadID > cur.LastReadID {
			t.cache[thread] = c
		}
	}
}

// Wait blocks until in-flight background writes finish. Tests only.
func (t *CursorTracker) Wait() { t.wg.Wait() }
