package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultUnreadBatchSize = 5

// ServiceConfig tunes one chat service instance.
type ServiceConfig struct {
	Cache CacheConfig

	// UnreadBatchSize bounds concurrency of batch unread queries
	// (default 5 threads at a time).
	UnreadBatchSize int
}

// Service is the chat facade for one user session: it composes the
// message store, cursor tracker, delivery channels, and thread cache
// into the operations the HTTP surface (and tests) consume.
//
// A Service is explicitly constructed and disposed; there is no
// process-wide singleton. The app's session registry owns one instance
// per authenticated user.
type Service struct {
	log       *slog.Logger
	user      UserID
	store     Store
	transport PushTransport
	cursors   *CursorTracker
	cache     *ThreadCache
	cfg       ServiceConfig

	closed atomic.Bool
}

// NewService constructs a service for one user and warms it from the
// local snapshot. A failed snapshot load only costs the warm start.
func NewService(log *slog.Logger, store Store, transport PushTransport, snapshots SnapshotStore, user UserID, cfg ServiceConfig) (*Service, error) {
	if user == "" {
		return nil, validationErr("chat.NewService", "empty user id")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.UnreadBatchSize <= 0 {
		cfg.UnreadBatchSize = defaultUnreadBatchSize
	}

	cursors := NewCursorTracker(log, store, user)
	cache := NewThreadCache(log, store, cursors, transport, snapshots, user, cfg.Cache)

	s := &Service{
		log:       log.With("user_id", user),
		user:      user,
		store:     store,
		transport: transport,
		cursors:   cursors,
		cache:     cache,
		cfg:       cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	defer cancel()
	if err := cache.LoadSnapshot(ctx); err != nil {
		s.log.Warn("service.snapshot_load_fail", "err", err)
	}
	return s, nil
}

// User returns the session's user id.
func (s *Service) User() UserID { return s.user }

// Messages returns the thread's ordered messages, refetching when the
// cache entry is missing or stale. When the store is unreachable but a
// cached copy exists, the stale copy is served and the failure logged;
// with nothing cached the storage error propagates.
func (s *Service) Messages(ctx context.Context, thread ThreadID) ([]CachedMessage, error) {
	const op = "chat.Messages"
	if s.closed.Load() {
		return nil, &OpError{Op: op, Kind: ErrClosed}
	}
	if thread == 0 {
		return nil, validationErr(op, "missing thread")
	}

	if err := s.cache.PreFetch(ctx, thread); err != nil {
		if cached := s.cache.CachedMessages(thread); len(cached) > 0 {
			s.log.Warn("service.messages.stale", "thread_id", thread, "err", err)
			return cached, nil
		}
		return nil, err
	}
	return s.cache.CachedMessages(thread), nil
}

// Send appends a message durably, publishes it to the push transport,
// and local-appends it as the sender's own so it never counts against
// the sender's unread. A publish failure is logged, not surfaced: other
// participants' polling fallback picks the row up.
func (s *Service) Send(ctx context.Context, thread ThreadID, text, mediaURL, mediaType string) (Message, error) {
	const op = "chat.Send"
	if s.closed.Load() {
		return Message{}, &OpError{Op: op, Kind: ErrClosed}
	}
	if thread == 0 {
		return Message{}, validationErr(op, "missing thread")
	}
	if text == "" && mediaURL == "" {
		return Message{}, validationErr(op, "empty message")
	}

	msg, err := s.store.AppendMessage(ctx, AppendInput{
		Thread:    thread,
		Sender:    s.user,
		Text:      text,
		MediaURL:  mediaURL,
		MediaType: mediaType,
	})
	if err != nil {
		return Message{}, err
	}

	if err := s.transport.Publish(ctx, msg); err != nil {
		s.log.Warn("service.send.publish_fail", "thread_id", thread, "message_id", msg.ID, "err", err)
	}

	s.cache.AppendLive(thread, msg)
	return msg, nil
}

// MarkRead advances the read cursor. A zero messageID defaults to the
// last message in the currently loaded list; with nothing loaded the
// call is a no-op. Durable persistence is best-effort (see
// CursorTracker.MarkRead).
func (s *Service) MarkRead(thread ThreadID, messageID int64) error {
	const op = "chat.MarkRead"
	if s.closed.Load() {
		return &OpError{Op: op, Kind: ErrClosed}
	}
	if thread == 0 {
		return validationErr(op, "missing thread")
	}

	if messageID == 0 {
		messageID = s.cache.MaxCachedID(thread)
	}
	if messageID == 0 {
		return nil
	}

	s.cursors.MarkRead(thread, messageID)
	return nil
}

// UnreadCount returns the thread's unread count from cached state. The
// second return reports whether the count is exact (see
// ThreadCache.UnreadCount).
func (s *Service) UnreadCount(thread ThreadID) (int, bool) {
	return s.cache.UnreadCount(thread)
}

// UnreadCounts computes unread counts for a batch of threads, fetching
// in fixed-size batches to avoid overwhelming the store. Fetch failures
// degrade that thread to its cached (conservative) count.
func (s *Service) UnreadCounts(ctx context.Context, threads []ThreadID) map[ThreadID]int {
	out := make(map[ThreadID]int, len(threads))
	var outMu sync.Mutex

	batch := s.cfg.UnreadBatchSize
	for start := 0; start < len(threads); start += batch {
		end := start + batch
		if end > len(threads) {
			end = len(threads)
		}

		var wg sync.WaitGroup
		for _, thread := range threads[start:end] {
			wg.Add(1)
			go func(th ThreadID) {
				defer wg.Done()
				if err := s.cache.PreFetch(ctx, th); err != nil {
					s.log.Warn("service.unread.prefetch_fail", "thread_id", th, "err", err)
				}
				n, _ := s.cache.UnreadCount(th)
				outMu.Lock()
				out[th] = n
				outMu.Unlock()
			}(thread)
		}
		wg.Wait()
	}
	return out
}

// ReconcileReadCursors pulls durable read cursors for a batch of threads
// into the local cursor cache. Run once after login/initial load.
func (s *Service) ReconcileReadCursors(ctx context.Context, threads []ThreadID) {
	s.cache.ReconcileReadCursors(ctx, threads)
}

// Subscribe opens the thread's delivery channel; duplicate calls are
// no-ops. onUpdate fires per delivered message with the fresh unread
// count.
func (s *Service) Subscribe(thread ThreadID, onUpdate UpdateFunc) {
	if s.closed.Load() {
		return
	}
	s.cache.Subscribe(thread, onUpdate)
}

// Unsubscribe closes the thread's delivery channel. Idempotent.
func (s *Service) Unsubscribe(thread ThreadID) {
	s.cache.Unsubscribe(thread)
}

// SubscribeAll subscribes a batch of threads.
func (s *Service) SubscribeAll(threads []ThreadID, onUpdate UpdateFunc) {
	if s.closed.Load() {
		return
	}
	s.cache.SubscribeAll(threads, onUpdate)
}

// UnsubscribeAll closes all delivery channels.
func (s *Service) UnsubscribeAll() {
	s.cache.UnsubscribeAll()
}

// Subscribed reports whether the thread has a live subscription.
func (s *Service) Subscribed(thread ThreadID) bool {
	return s.cache.Subscribed(thread)
}

// SubscriptionState returns the thread's caller-visible delivery state.
func (s *Service) SubscriptionState(thread ThreadID) SubscriptionState {
	return s.cache.SubscriptionState(thread)
}

// ClearLocal drops the local caches and snapshot (logout path). Durable
// messages and cursors are untouched; the service stays usable.
func (s *Service) ClearLocal(ctx context.Context) {
	s.cache.Clear(ctx)
}

// Close disposes the service: closes all delivery channels and waits
// for in-flight background cursor writes. Idempotent.
func (s *Service) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.UnsubscribeAll()

	done := make(chan struct{})
	go func() {
		s.cursors.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("service.close.cursor_flush_timeout")
	case <-time.After(cursorSyncTimeout):
		s.log.Warn("service.close.cursor_flush_timeout")
	}
	return nil
}
