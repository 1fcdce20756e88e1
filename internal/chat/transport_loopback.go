package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const loopbackQueueSize = 256

// LoopbackTransport is an in-process PushTransport used when no broker is
// configured (dev mode) and in tests. Publish fans out to every open
// subscription of the message's thread.
//
// Fanout never blocks: a subscriber whose queue is full loses the event,
// which the delivery channel's polling fallback absorbs.
type LoopbackTransport struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[ThreadID]map[*loopbackSub]struct{}
	closed bool
}

// NewLoopbackTransport constructs an in-process transport.
func NewLoopbackTransport(log *slog.Logger) *LoopbackTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LoopbackTransport{
		log:  log,
		subs: make(map[ThreadID]map[*loopbackSub]struct{}),
	}
}

type loopbackSub struct {
	transport *LoopbackTransport
	thread    ThreadID
	events    chan PushEvent
	states    chan ConnState

	closeOnce sync.Once
}

func (s *loopbackSub) Events() <-chan PushEvent { return s.events }
func (s *loopbackSub) States() <-chan ConnState { return s.states }

func (s *loopbackSub) Close() error {
	s.closeOnce.Do(func() {
		s.transport.drop(s)
	})
	return nil
}

// Subscribe opens a per-thread subscription. The subscription confirms
// immediately: loopback has no handshake to wait for.
func (t *LoopbackTransport) Subscribe(_ context.Context, thread ThreadID) (PushSubscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transportErr("chat.Subscribe", errors.New("transport closed"))
	}

	sub := &loopbackSub{
		transport: t,
		thread:    thread,
		events:    make(chan PushEvent, loopbackQueueSize),
		states:    make(chan ConnState, 4),
	}
	set := t.subs[thread]
	if set == nil {
		set = make(map[*loopbackSub]struct{})
		t.subs[thread] = set
	}
	set[sub] = struct{}{}

	sub.states <- ConnConnected
	return sub, nil
}

// Publish fans out an inserted row to the thread's subscribers.
func (t *LoopbackTransport) Publish(_ context.Context, msg Message) error {
	ev := PushEvent{EventID: NewEventID(time.Now()), Message: msg}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transportErr("chat.Publish", errors.New("transport closed"))
	}

	for sub := range t.subs[msg.ThreadID] {
		select {
		case sub.events <- ev:
		default:
			// Drop rather than block the publisher.
			t.log.Warn("loopback.drop", "thread_id", msg.ThreadID, "message_id", msg.ID)
		}
	}
	return nil
}

// DropAll simulates a transport-wide disconnect by signalling every open
// subscription. Used by dev tooling and tests.
func (t *LoopbackTransport) DropAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.subs {
		for sub := range set {
			select {
			case sub.states <- ConnDisconnected:
			default:
			}
		}
	}
}

// Close tears down the transport. Open subscriptions observe a
// disconnect; further Subscribe/Publish calls fail.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, set := range t.subs {
		for sub := range set {
			select {
			case sub.states <- ConnDisconnected:
			default:
			}
		}
	}
	t.subs = make(map[ThreadID]map[*loopbackSub]struct{})
	return nil
}

func (t *LoopbackTransport) drop(sub *loopbackSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set := t.subs[sub.thread]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(t.subs, sub.thread)
		}
	}
}

var _ PushTransport = (*LoopbackTransport)(nil)
