package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsQueueSize = 256

// NATSTransport is a PushTransport backed by a NATS connection. Each
// thread maps to one subject; inserted rows travel as JSON PushEvents.
//
// Connection-level state changes (disconnect, reconnect) fan out to
// every open subscription, which is what the delivery channel needs to
// decide between push and polling.
type NATSTransport struct {
	log     *slog.Logger
	nc      *nats.Conn
	ownConn bool
	prefix  string

	mu     sync.Mutex
	subs   map[*natsSub]struct{}
	closed bool
}

// NATSOption configures NATSTransport behavior.
type NATSOption func(*NATSTransport)

// WithSubjectPrefix overrides the per-thread subject prefix
// (default "chat.order").
func WithSubjectPrefix(prefix string) NATSOption {
	return func(t *NATSTransport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// DialNATS connects to a NATS server and wires its connection handlers
// into the transport's state fanout. The transport owns the connection.
func DialNATS(url string, log *slog.Logger, opts ...NATSOption) (*NATSTransport, error) {
	t := newNATSTransport(nil, log, opts...)
	t.ownConn = true

	nc, err := nats.Connect(url,
		nats.Name("marlin-chat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn("nats.disconnect", "err", err)
			t.fanState(ConnDisconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info("nats.reconnect", "url", nc.ConnectedUrl())
			t.fanState(ConnConnected)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.log.Info("nats.closed")
			t.fanState(ConnDisconnected)
		}),
	)
	if err != nil {
		return nil, transportErr("chat.DialNATS", err)
	}
	t.nc = nc
	return t, nil
}

// NewNATSTransport wraps an existing connection. The caller keeps
// ownership of the connection; Close only tears down subscriptions.
func NewNATSTransport(nc *nats.Conn, log *slog.Logger, opts ...NATSOption) *NATSTransport {
	t := newNATSTransport(nc, log, opts...)
	return t
}

func newNATSTransport(nc *nats.Conn, log *slog.Logger, opts ...NATSOption) *NATSTransport {
	if log == nil {
		log = slog.Default()
	}
	t := &NATSTransport{
		log:    log,
		nc:     nc,
		prefix: "chat.order",
		subs:   make(map[*natsSub]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *NATSTransport) subject(thread ThreadID) string {
	return fmt.Sprintf("%s.%d", t.prefix, thread)
}

type natsSub struct {
	transport *NATSTransport
	sub       *nats.Subscription
	events    chan PushEvent
	states    chan ConnState

	closeOnce sync.Once
}

func (s *natsSub) Events() <-chan PushEvent { return s.events }
func (s *natsSub) States() <-chan ConnState { return s.states }

func (s *natsSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Unsubscribe()
		s.transport.drop(s)
	})
	return err
}

// Subscribe opens a per-thread subscription. The subscription confirms
// once the subscribe interest reached the server (Flush round trip).
func (t *NATSTransport) Subscribe(ctx context.Context, thread ThreadID) (PushSubscription, error) {
	const op = "chat.Subscribe"

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transportErr(op, errors.New("transport closed"))
	}
	t.mu.Unlock()

	ns := &natsSub{
		transport: t,
		events:    make(chan PushEvent, natsQueueSize),
		states:    make(chan ConnState, 4),
	}

	sub, err := t.nc.Subscribe(t.subject(thread), func(m *nats.Msg) {
		var ev PushEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			t.log.Warn("nats.event.decode_fail", "thread_id", thread, "err", err)
			return
		}
		select {
		case ns.events <- ev:
		default:
			// Drop rather than block the NATS callback; polling fallback
			// covers the gap after the disconnect this usually implies.
			t.log.Warn("nats.event.drop", "thread_id", thread, "message_id", ev.Message.ID)
		}
	})
	if err != nil {
		return nil, transportErr(op, err)
	}
	ns.sub = sub

	if err := t.nc.FlushTimeout(5 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, transportErr(op, err)
	}
	if err := ctx.Err(); err != nil {
		_ = sub.Unsubscribe()
		return nil, transportErr(op, err)
	}

	t.mu.Lock()
	t.subs[ns] = struct{}{}
	t.mu.Unlock()

	ns.states <- ConnConnected
	return ns, nil
}

// Publish sends an inserted row to the thread's subject.
func (t *NATSTransport) Publish(_ context.Context, msg Message) error {
	const op = "chat.Publish"

	ev := PushEvent{EventID: NewEventID(time.Now()), Message: msg}
	data, err := json.Marshal(ev)
	if err != nil {
		return transportErr(op, err)
	}
	if err := t.nc.Publish(t.subject(msg.ThreadID), data); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// Close unsubscribes everything and, when the transport dialed the
// connection itself, drains it.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*natsSub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*natsSub]struct{})
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
		select {
		case s.states <- ConnDisconnected:
		default:
		}
	}
	if t.ownConn && t.nc != nil {
		return t.nc.Drain()
	}
	return nil
}

func (t *NATSTransport) fanState(state ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		select {
		case s.states <- state:
		default:
		}
	}
}

func (t *NATSTransport) drop(s *natsSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

var _ PushTransport = (*NATSTransport)(nil)
