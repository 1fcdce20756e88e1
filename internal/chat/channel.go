package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ChannelState is the delivery channel lifecycle state.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateConnecting
	StatePushActive
	StatePolling
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePushActive:
		return "push_active"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultConnectionTimeout = 5 * time.Second
	defaultPollInterval      = 15 * time.Second
	defaultReconnectDelay    = 3 * time.Second

	// Poll fetches get their own deadline so a hung store cannot wedge
	// the poll loop across ticks.
	pollFetchTimeout = 10 * time.Second
)

// ChannelConfig tunes delivery channel timing. The zero value yields the
// production defaults; tests shrink the durations.
type ChannelConfig struct {
	ConnectionTimeout time.Duration
	PollInterval      time.Duration
	ReconnectDelay    time.Duration

	// DisableFallback turns off the polling fallback. With fallback off, a
	// failed push subscription is surfaced through OnError instead of
	// being absorbed.
	DisableFallback bool
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	return c
}

// ChannelCallbacks receive delivery channel events. All callbacks run
// serialized under the channel's lock: no callback fires after
// Unsubscribe returns, and OnMessage never runs concurrently with
// itself for one channel.
type ChannelCallbacks struct {
	OnMessage      func(Message)
	OnConnected    func()
	OnDisconnected func()
	OnFallback     func()
	OnError        func(error)
}

type deliveryKey struct {
	id int64
	ts int64
}

// DeliveryChannel presents an ordered, de-duplicated stream of new
// messages for one thread. It tries a push subscription first and falls
// back to polling on failure, timeout, or disconnect.
//
// State machine: Idle -> Connecting -> {PushActive, Polling} -> Closed,
// with PushActive <-> Polling transitions mid-life. A disconnect while
// push is active starts fallback polling and schedules reconnect
// attempts; a successful reconnect stops the polling again.
//
// Delivery invariants:
//   - at-least-once, de-duplicated by (id, created_at) within the life
//     of the subscription
//   - no loss across a push->poll transition: a fetch establishing the
//     high-water-mark runs before the first poll tick, so rows inserted
//     during the transition window are reported exactly once
type DeliveryChannel struct {
	log       *slog.Logger
	store     MessageStore
	transport PushTransport
	thread    ThreadID
	cfg       ChannelConfig
	cb        ChannelCallbacks

	// baseline is the highest message id the subscriber already knew at
	// subscribe time; polling only reports rows above it.
	baseline int64

	mu        sync.Mutex
	state     ChannelState
	delivered map[deliveryKey]struct{}
	highWater int64
	polling   bool
	pollStop  chan struct{}
	started   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewDeliveryChannel constructs a channel for one thread. sinceID is the
// highest message id already known to the subscriber (0 for none).
func NewDeliveryChannel(log *slog.Logger, store MessageStore, transport PushTransport, thread ThreadID, sinceID int64, cfg ChannelConfig, cb ChannelCallbacks) *DeliveryChannel {
	if log == nil {
		log = slog.Default()
	}
	return &DeliveryChannel{
		log:       log,
		store:     store,
		transport: transport,
		thread:    thread,
		cfg:       cfg.withDefaults(),
		cb:        cb,
		baseline:  sinceID,
		highWater: sinceID,
		state:     StateIdle,
		delivered: make(map[deliveryKey]struct{}),
		done:      make(chan struct{}),
	}
}

// Subscribe starts the channel. Calling it more than once is a no-op.
func (c *DeliveryChannel) Subscribe() {
	c.mu.Lock()
	if c.started || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

// Unsubscribe closes the channel: cancels timers, stops polling,
// releases the push subscription. Idempotent, safe from any state, and
// no callback fires after it returns.
func (c *DeliveryChannel) Unsubscribe() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
		c.polling = false
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	metricChannelTransitions.WithLabelValues(StateClosed.String()).Inc()
	c.log.Debug("channel.closed", "thread_id", c.thread)
}

// State returns the current lifecycle state.
func (c *DeliveryChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *DeliveryChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *DeliveryChannel) run() {
	for connectedBefore := false; ; {
		if c.isClosed() {
			return
		}
		c.setState(StateConnecting)

		sub, err := c.transport.Subscribe(context.Background(), c.thread)
		subscribed := false
		if err != nil {
			c.log.Warn("channel.push.subscribe_fail", "thread_id", c.thread, "err", err)
		} else {
			subscribed = c.awaitSubscribed(sub)
		}

		if !subscribed {
			if sub != nil {
				_ = sub.Close()
			}
			if c.isClosed() {
				return
			}
			if c.cfg.DisableFallback {
				if !connectedBefore {
					c.emitError(transportErr("chat.DeliveryChannel",
						errors.New("push subscription failed and fallback disabled")))
					c.Unsubscribe()
					return
				}
				if !c.sleep(c.cfg.ReconnectDelay) {
					return
				}
				continue
			}
			if !connectedBefore {
				// Initial push establishment failed: polling carries the
				// thread for the rest of the subscription's life.
				c.setState(StatePolling)
				c.emitConnected()
				c.emitFallback()
				c.startPolling()
				return
			}
			c.setState(StatePolling)
			c.startPolling()
			if !c.sleep(c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		connectedBefore = true
		c.stopPolling()
		c.setState(StatePushActive)
		c.emitConnected()

		closed := c.consume(sub)
		_ = sub.Close()
		if closed {
			return
		}

		c.emitDisconnected()
		if !c.cfg.DisableFallback {
			c.setState(StatePolling)
			c.startPolling()
		}
		if !c.sleep(c.cfg.ReconnectDelay) {
			return
		}
	}
}

// awaitSubscribed waits for the transport's subscribed confirmation or
// the connection timer, whichever comes first.
func (c *DeliveryChannel) awaitSubscribed(sub PushSubscription) bool {
	timer := time.NewTimer(c.cfg.ConnectionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return false
		case <-timer.C:
			c.log.Warn("channel.push.connect_timeout", "thread_id", c.thread, "timeout", c.cfg.ConnectionTimeout)
			return false
		case st := <-sub.States():
			switch st {
			case ConnConnected:
				return true
			case ConnDisconnected:
				return false
			}
		case ev := <-sub.Events():
			// Row events can beat the confirmation; deliver, don't drop.
			c.deliver(ev.Message)
		}
	}
}

// consume pumps push events until disconnect or close. Returns true if
// the channel was closed, false on transport disconnect.
func (c *DeliveryChannel) consume(sub PushSubscription) bool {
	for {
		select {
		case <-c.done:
			return true
		case st := <-sub.States():
			if st == ConnDisconnected {
				c.log.Warn("channel.push.disconnect", "thread_id", c.thread)
				return false
			}
		case ev := <-sub.Events():
			c.deliver(ev.Message)
		}
	}
}

// deliver invokes OnMessage exactly once per (id, created_at) for the
// life of the subscription. Serialized under c.mu so Unsubscribe can
// guarantee no callback after it returns.
func (c *DeliveryChannel) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}

	key := deliveryKey{id: msg.ID, ts: msg.CreatedAt.UnixNano()}
	if _, dup := c.delivered[key]; dup {
		metricMessagesDeduped.Inc()
		return
	}
	c.delivered[key] = struct{}{}
	if msg.ID > c.highWater {
		c.highWater = msg.ID
	}
	metricMessagesDelivered.Inc()

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(msg)
	}
}

func (c *DeliveryChannel) startPolling() {
	c.mu.Lock()
	if c.polling || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.polling = true
	stop := make(chan struct{})
	c.pollStop = stop
	c.mu.Unlock()

	go c.pollLoop(stop)
}

func (c *DeliveryChannel) stopPolling() {
	c.mu.Lock()
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
		c.polling = false
	}
	c.mu.Unlock()
}

func (c *DeliveryChannel) pollLoop(stop chan struct{}) {
	// Establish the high-water-mark before the first tick: this fetch
	// catches rows inserted during the transition window, and later polls
	// only report rows newer than what is already delivered.
	c.pollOnce()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *DeliveryChannel) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pollFetchTimeout)
	defer cancel()

	metricPollFetches.Inc()
	msgs, err := c.store.FetchMessages(ctx, c.thread)
	if err != nil {
		c.log.Warn("channel.poll.fetch_fail", "thread_id", c.thread, "err", err)
		return
	}
	for _, m := range msgs {
		if m.ID <= c.baseline {
			continue
		}
		c.deliver(m)
	}
}

// sleep waits out a reconnect delay unless the channel closes first.
// Returns false when the channel closed during the wait.
func (c *DeliveryChannel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *DeliveryChannel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	metricChannelTransitions.WithLabelValues(s.String()).Inc()
	c.log.Debug("channel.state", "thread_id", c.thread, "state", s.String())
}

func (c *DeliveryChannel) emitConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (c *DeliveryChannel) emitDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
}

func (c *DeliveryChannel) emitFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.cb.OnFallback != nil {
		c.cb.OnFallback()
	}
}

func (c *DeliveryChannel) emitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.log.Error("channel.fail", "thread_id", c.thread, "err", err)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
