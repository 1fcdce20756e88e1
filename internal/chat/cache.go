package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFreshness     = 5 * time.Minute
	snapshotWriteTimeout = 3 * time.Second
)

// CachedMessage is a message plus the ownership flag of the session's
// user, which unread counting needs without re-deriving it per scan.
type CachedMessage struct {
	Message
	Own bool `json:"own"`
}

// SubscriptionState is the caller-visible delivery state of one thread.
type SubscriptionState int

const (
	SubNone SubscriptionState = iota
	SubConnecting
	SubPush
	SubPolling
)

func (s SubscriptionState) String() string {
	switch s {
	case SubNone:
		return "none"
	case SubConnecting:
		return "subscribing"
	case SubPush:
		return "push_active"
	case SubPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// ThreadUpdate is reported to subscription observers on every delivered
// message, carrying the freshly recomputed unread count.
type ThreadUpdate struct {
	Thread  ThreadID
	Message Message
	Unread  int
}

// UpdateFunc observes thread updates.
type UpdateFunc func(ThreadUpdate)

// CacheConfig tunes the thread cache.
type CacheConfig struct {
	// Freshness is how long a fetched message list stays authoritative
	// before PreFetch refetches it (default 5 minutes).
	Freshness time.Duration

	// Channel configures delivery channels opened by Subscribe.
	Channel ChannelConfig
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.Freshness <= 0 {
		c.Freshness = defaultFreshness
	}
	return c
}

type threadEntry struct {
	mu          sync.Mutex
	messages    []CachedMessage
	lastUpdated time.Time
	subState    SubscriptionState
}

// ThreadCache holds the session-lifetime state per thread: fetched
// messages, subscription state, and the unread aggregation over the
// cursor tracker. It is mirrored to a local snapshot for fast reload.
//
// Every entry has its own mutex; delivery callbacks, sends, and
// mark-as-read for one thread serialize on it. Entry locks are leaf
// locks: nothing is called while holding one that takes another lock in
// this package.
type ThreadCache struct {
	log       *slog.Logger
	store     MessageStore
	cursors   *CursorTracker
	transport PushTransport
	snapshots SnapshotStore
	user      UserID
	cfg       CacheConfig

	mu      sync.RWMutex
	entries map[ThreadID]*threadEntry

	subMu sync.Mutex
	subs  map[ThreadID]*DeliveryChannel
}

// NewThreadCache constructs a cache for one user session.
func NewThreadCache(log *slog.Logger, store MessageStore, cursors *CursorTracker, transport PushTransport, snapshots SnapshotStore, user UserID, cfg CacheConfig) *ThreadCache {
	if log == nil {
		log = slog.Default()
	}
	return &ThreadCache{
		log:       log,
		store:     store,
		cursors:   cursors,
		transport: transport,
		snapshots: snapshots,
		user:      user,
		cfg:       cfg.withDefaults(),
		entries:   make(map[ThreadID]*threadEntry),
		subs:      make(map[ThreadID]*DeliveryChannel),
	}
}

func (t *ThreadCache) entry(thread ThreadID) *threadEntry {
	t.mu.RLock()
	e := t.entries[thread]
	t.mu.RUnlock()
	if e != nil {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e = t.entries[thread]; e == nil {
		e = &threadEntry{}
		t.entries[thread] = e
	}
	return e
}

func (t *ThreadCache) lookup(thread ThreadID) *threadEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[thread]
}

// CachedMessages returns a copy of the cached ordered sequence for a
// thread; empty if the thread was never fetched.
func (t *ThreadCache) CachedMessages(thread ThreadID) []CachedMessage {
	e := t.lookup(thread)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CachedMessage(nil), e.messages...)
}

// PreFetch fetches the thread's messages unless a cache entry newer than
// the freshness window exists. Storage errors propagate; the caller
// decides whether the stale cache is good enough.
func (t *ThreadCache) PreFetch(ctx context.Context, thread ThreadID) error {
	e := t.entry(thread)

	e.mu.Lock()
	fresh := !e.lastUpdated.IsZero() && time.Since(e.lastUpdated) < t.cfg.Freshness
	e.mu.Unlock()
	if fresh {
		return nil
	}

	msgs, err := t.store.FetchMessages(ctx, thread)
	if err != nil {
		return err
	}

	cached := make([]CachedMessage, len(msgs))
	for i, m := range msgs {
		cached[i] = CachedMessage{Message: m, Own: m.SenderID == t.user}
	}

	e.mu.Lock()
	e.messages = cached
	e.lastUpdated = time.Now()
	e.mu.Unlock()

	t.persistSnapshot()
	return nil
}

// AppendLive appends a delivered message to the cached sequence and
// persists a snapshot. Arrival order is append-safe per the delivery
// channel's ordering contract; duplicate-append races between push and
// poll are absorbed by the id check.
func (t *ThreadCache) AppendLive(thread ThreadID, msg Message) {
	e := t.entry(thread)

	e.mu.Lock()
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].ID == msg.ID {
			e.mu.Unlock()
			return
		}
	}
	e.messages = append(e.messages, CachedMessage{Message: msg, Own: msg.SenderID == t.user})
	e.lastUpdated = time.Now()
	e.mu.Unlock()

	t.persistSnapshot()
}

// UnreadCount computes the unread count for a thread synchronously from
// cached state only. The second return reports whether the count is
// exact: when no read cursor is cached, or the cursor's message id is
// not inside the cached window, the count falls back to every non-own
// message (a conservative bound, not an exact count).
func (t *ThreadCache) UnreadCount(thread ThreadID) (int, bool) {
	e := t.lookup(thread)
	if e == nil {
		return 0, false
	}

	e.mu.Lock()
	msgs := append([]CachedMessage(nil), e.messages...)
	e.mu.Unlock()

	if len(msgs) == 0 {
		return 0, false
	}

	lastRead, haveCursor := t.cursors.Cached(thread)
	if !haveCursor {
		return countNotOwn(msgs), false
	}

	at := -1
	for i, m := range msgs {
		if m.ID == lastRead {
			at = i
			break
		}
	}
	if at < 0 {
		// Cursor outside the cached window (cleared or truncated cache).
		return countNotOwn(msgs), false
	}

	n := 0
	for _, m := range msgs[at+1:] {
		if !m.Own {
			n++
		}
	}
	return n, true
}

func countNotOwn(msgs []CachedMessage) int {
	n := 0
	for _, m := range msgs {
		if !m.Own {
			n++
		}
	}
	return n
}

// MaxCachedID returns the highest cached message id for a thread, the
// high-water-mark handed to new delivery channels.
func (t *ThreadCache) MaxCachedID(thread ThreadID) int64 {
	e := t.lookup(thread)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var max int64
	for _, m := range e.messages {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// ReconcileReadCursors pulls durable read cursors for a batch of threads
// into the cursor cache, then refreshes the snapshot. Used once after
// login so UnreadCount becomes accurate without per-render round trips.
func (t *ThreadCache) ReconcileReadCursors(ctx context.Context, threads []ThreadID) {
	t.cursors.Reconcile(ctx, threads)
	t.persistSnapshot()
}

// Subscribe opens a delivery channel for a thread. At most one live
// subscription exists per thread per session; duplicate calls are
// no-ops. onUpdate fires on every delivered message with the recomputed
// unread count.
func (t *ThreadCache) Subscribe(thread ThreadID, onUpdate UpdateFunc) {
	t.subMu.Lock()
	if _, exists := t.subs[thread]; exists {
		t.subMu.Unlock()
		return
	}

	ch := NewDeliveryChannel(t.log, t.store, t.transport, thread, t.MaxCachedID(thread), t.cfg.Channel, ChannelCallbacks{
		OnMessage: func(msg Message) {
			t.AppendLive(thread, msg)
			if onUpdate != nil {
				n, _ := t.UnreadCount(thread)
				onUpdate(ThreadUpdate{Thread: thread, Message: msg, Unread: n})
			}
		},
		OnConnected:    func() { t.setSubState(thread, SubPush) },
		OnFallback:     func() { t.setSubState(thread, SubPolling) },
		OnDisconnected: func() { t.setSubState(thread, SubPolling) },
		OnError: func(err error) {
			t.log.Warn("cache.subscription_fail", "thread_id", thread, "err", err)
			t.setSubState(thread, SubNone)
		},
	})
	t.subs[thread] = ch
	t.subMu.Unlock()

	t.setSubState(thread, SubConnecting)
	ch.Subscribe()
}

// Unsubscribe closes the thread's delivery channel, if any. Idempotent.
func (t *ThreadCache) Unsubscribe(thread ThreadID) {
	t.subMu.Lock()
	ch := t.subs[thread]
	delete(t.subs, thread)
	t.subMu.Unlock()

	if ch != nil {
		ch.Unsubscribe()
		t.setSubState(thread, SubNone)
	}
}

// SubscribeAll subscribes a batch of threads.
func (t *ThreadCache) SubscribeAll(threads []ThreadID, onUpdate UpdateFunc) {
	for _, thread := range threads {
		t.Subscribe(thread, onUpdate)
	}
}

// UnsubscribeAll closes every open delivery channel.
func (t *ThreadCache) UnsubscribeAll() {
	t.subMu.Lock()
	chans := make(map[ThreadID]*DeliveryChannel, len(t.subs))
	for thread, ch := range t.subs {
		chans[thread] = ch
	}
	t.subs = make(map[ThreadID]*DeliveryChannel)
	t.subMu.Unlock()

	for thread, ch := range chans {
		ch.Unsubscribe()
		t.setSubState(thread, SubNone)
	}
}

// Subscribed reports whether a live subscription exists for a thread.
func (t *ThreadCache) Subscribed(thread ThreadID) bool {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	_, ok := t.subs[thread]
	return ok
}

// SubscriptionState returns the caller-visible delivery state.
func (t *ThreadCache) SubscriptionState(thread ThreadID) SubscriptionState {
	e := t.lookup(thread)
	if e == nil {
		return SubNone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subState
}

func (t *ThreadCache) setSubState(thread ThreadID, s SubscriptionState) {
	e := t.entry(thread)
	e.mu.Lock()
	e.subState = s
	e.mu.Unlock()
}

// Clear drops all local state (entries, cursor cache, snapshot). Durable
// data is untouched. Used on logout.
func (t *ThreadCache) Clear(ctx context.Context) {
	t.UnsubscribeAll()

	t.mu.Lock()
	t.entries = make(map[ThreadID]*threadEntry)
	t.mu.Unlock()

	t.cursors.ClearCache()

	if err := t.snapshots.Delete(ctx, t.user); err != nil {
		t.log.Warn("cache.snapshot_delete_fail", "user_id", t.user, "err", err)
	}
}

type snapshotThread struct {
	Messages    []CachedMessage `json:"messages"`
	LastUpdated time.Time       `json:"last_updated"`
}

type snapshotFile struct {
	SavedAt time.Time                   `json:"saved_at"`
	Cursors map[ThreadID]ReadCursor     `json:"cursors"`
	Threads map[ThreadID]snapshotThread `json:"threads"`
}

// LoadSnapshot seeds the cache from the user's persisted snapshot.
// Entries loaded keep their original fetch time, so anything older than
// the freshness window still refetches on first use.
func (t *ThreadCache) LoadSnapshot(ctx context.Context) error {
	blob, ok, err := t.snapshots.Get(ctx, t.user)
	if err != nil || !ok {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(blob, &snap); err != nil {
		t.log.Warn("cache.snapshot_decode_fail", "user_id", t.user, "err", err)
		return nil
	}

	t.mu.Lock()
	for thread, st := range snap.Threads {
		if _, exists := t.entries[thread]; exists {
			continue
		}
		t.entries[thread] = &threadEntry{
			messages:    st.Messages,
			lastUpdated: st.LastUpdated,
		}
	}
	t.mu.Unlock()

	t.cursors.Restore(snap.Cursors)
	return nil
}

func (t *ThreadCache) persistSnapshot() {
	snap := snapshotFile{
		SavedAt: time.Now().UTC(),
		Cursors: t.cursors.Snapshot(),
		Threads: make(map[ThreadID]snapshotThread),
	}

	t.mu.RLock()
	refs := make(map[ThreadID]*threadEntry, len(t.entries))
	for thread, e := range t.entries {
		refs[thread] = e
	}
	t.mu.RUnlock()

	for thread, e := range refs {
		e.mu.Lock()
		snap.Threads[thread] = snapshotThread{
			Messages:    append([]CachedMessage(nil), e.messages...),
			LastUpdated: e.lastUpdated,
		}
		e.mu.Unlock()
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		metricSnapshotWriteFailures.Inc()
		t.log.Warn("cache.snapshot_encode_fail", "user_id", t.user, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	defer cancel()
	if err := t.snapshots.Set(ctx, t.user, blob); err != nil {
		metricSnapshotWriteFailures.Inc()
		t.log.Warn("cache.snapshot_write_fail", "user_id", t.user, "err", err)
	}
}
