package chat

import "context"

// ConnState reports push-subscription connectivity changes.
type ConnState int

const (
	// ConnConnected means the transport confirmed the subscription is live.
	ConnConnected ConnState = iota + 1
	// ConnDisconnected means the transport lost the subscription.
	ConnDisconnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PushEvent is one inserted-row notification from the push transport.
type PushEvent struct {
	EventID string  `json:"event_id"`
	Message Message `json:"message"`
}

// PushSubscription is one live per-thread push stream.
//
// The first ConnConnected on States confirms the subscription; a later
// ConnDisconnected means delivery may have gaps from that point on.
// Close releases transport resources and is idempotent. Neither channel
// is ever closed by the transport while the subscription is open, and
// sends are non-blocking (slow consumers lose events, the delivery
// channel's polling fallback covers the gap).
type PushSubscription interface {
	Events() <-chan PushEvent
	States() <-chan ConnState
	Close() error
}

// PushTransport opens per-thread push subscriptions and publishes
// inserted rows to them. Implementations: NATSTransport (production)
// and LoopbackTransport (dev mode, tests).
type PushTransport interface {
	Subscribe(ctx context.Context, thread ThreadID) (PushSubscription, error)
	Publish(ctx context.Context, msg Message) error
	Close() error
}
