package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// testChannelConfig shrinks timings so channel tests run in milliseconds.
func testChannelConfig() ChannelConfig {
	return ChannelConfig{
		ConnectionTimeout: 20 * time.Millisecond,
		PollInterval:      25 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

// countingStore wraps a Store and counts fetches; it can also be told to
// fail them, and tracks the peak number of concurrent fetches.
type countingStore struct {
	Store

	fetches       atomic.Int64
	failFetch     atomic.Bool
	inFlight      atomic.Int64
	peakInFlight  atomic.Int64
	fetchDelay    time.Duration
	failGet       atomic.Bool
	failUpsert    atomic.Bool
	upsertedCalls atomic.Int64
}

func newCountingStore(inner Store) *countingStore {
	return &countingStore{Store: inner}
}

func (s *countingStore) FetchMessages(ctx context.Context, thread ThreadID) ([]Message, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peakInFlight.Load()
		if n <= peak || s.peakInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.fetchDelay > 0 {
		time.Sleep(s.fetchDelay)
	}

	s.fetches.Add(1)
	if s.failFetch.Load() {
		return nil, storageErr("chat.FetchMessages", errors.New("store down"))
	}
	return s.Store.FetchMessages(ctx, thread)
}

func (s *countingStore) GetLastRead(ctx context.Context, user UserID, thread ThreadID) (ReadCursor, bool, error) {
	if s.failGet.Load() {
		return ReadCursor{}, false, storageErr("chat.GetLastRead", errors.New("store down"))
	}
	return s.Store.GetLastRead(ctx, user, thread)
}

func (s *countingStore) UpsertLastRead(ctx context.Context, cursor ReadCursor) error {
	s.upsertedCalls.Add(1)
	if s.failUpsert.Load() {
		return storageErr("chat.UpsertLastRead", errors.New("store down"))
	}
	return s.Store.UpsertLastRead(ctx, cursor)
}

// fakeSub is a scriptable push subscription.
type fakeSub struct {
	events chan PushEvent
	states chan ConnState

	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *fakeSub) Events() <-chan PushEvent { return s.events }
func (s *fakeSub) States() <-chan ConnState { return s.states }
func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { s.closed.Store(true) })
	return nil
}

func (s *fakeSub) push(msg Message) {
	s.events <- PushEvent{EventID: NewEventID(time.Now()), Message: msg}
}

func (s *fakeSub) disconnect() {
	s.states <- ConnDisconnected
}

// fakeTransport hands out fakeSubs. With confirm unset the subscription
// never reports subscribed, which forces the connect-timeout path.
type fakeTransport struct {
	mu           sync.Mutex
	subs         []*fakeSub
	subscribeErr error
	confirm      atomic.Bool
}

func newFakeTransport(confirm bool) *fakeTransport {
	t := &fakeTransport{}
	t.confirm.Store(confirm)
	return t
}

func (t *fakeTransport) Subscribe(_ context.Context, _ ThreadID) (PushSubscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}
	s := &fakeSub{
		events: make(chan PushEvent, 16),
		states: make(chan ConnState, 4),
	}
	if t.confirm.Load() {
		s.states <- ConnConnected
	}
	t.subs = append(t.subs, s)
	return s, nil
}

func (t *fakeTransport) Publish(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.closed.Load() {
			continue
		}
		select {
		case s.events <- PushEvent{Message: msg}:
		default:
		}
	}
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) lastSub() *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

func (t *fakeTransport) subCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// collector records channel callback activity.
type collector struct {
	mu           sync.Mutex
	msgs         []Message
	connected    int
	disconnected int
	fallback     int
	errs         []error
}

func (c *collector) callbacks() ChannelCallbacks {
	return ChannelCallbacks{
		OnMessage: func(m Message) {
			c.mu.Lock()
			c.msgs = append(c.msgs, m)
			c.mu.Unlock()
		},
		OnConnected: func() {
			c.mu.Lock()
			c.connected++
			c.mu.Unlock()
		},
		OnDisconnected: func() {
			c.mu.Lock()
			c.disconnected++
			c.mu.Unlock()
		},
		OnFallback: func() {
			c.mu.Lock()
			c.fallback++
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.ID
	}
	return out
}

func (c *collector) countID(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func (c *collector) connectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *collector) disconnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *collector) fallbackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

func (c *collector) errCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// mustAppend seeds the store with a message and fails the test on error.
func mustAppend(t *testing.T, store MessageStore, thread ThreadID, sender UserID, text string) Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), AppendInput{
		Thread: thread,
		Sender: sender,
		Text:   text,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return msg
}
