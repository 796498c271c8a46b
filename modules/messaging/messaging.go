// Package messaging defines a broker-portable messaging facade: sessions,
// direct and persistent publishing, channel-based subscriptions, queue
// binding and session lifecycle events. Interchangeable backends live in the
// subpackages inmem, natsmsg and amqpmsg.
package messaging

import (
	"context"
	"errors"
)

// DefaultChanBuffer decouples the transport's delivery goroutine from the
// consumer. Buffer size should be enough to absorb short bursts without
// blocking delivery, while bounding memory and ensuring slow consumers drop
// messages instead of backpressuring the transport.
var DefaultChanBuffer = 16

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// DeliveryMode selects the delivery guarantee for a published message.
type DeliveryMode uint8

const (
	// DeliveryDirect is at-most-once delivery. The message is lost if no
	// subscriber is listening or a subscriber is too slow.
	DeliveryDirect DeliveryMode = iota

	// DeliveryPersistent is guaranteed delivery. The broker stores the
	// message until a queue consumer acknowledges it.
	DeliveryPersistent
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryDirect:
		return "direct"
	case DeliveryPersistent:
		return "persistent"
	}
	return "unknown"
}

// Message is the unit of transfer between sessions.
type Message struct {
	// Destination is the topic (publish/subscribe) or queue name
	// (persistent delivery) the message is addressed to.
	Destination string

	Payload []byte

	// CorrelationID is an opaque token linking a reply
	// to its originating request.
	CorrelationID string

	// ReplyTo names the destination a replier
	// should publish its response to.
	ReplyTo string
}

// EventKind identifies a session lifecycle transition.
type EventKind uint8

const (
	EventUp EventKind = iota
	EventDown
	EventReconnected
	EventConnectFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventReconnected:
		return "reconnected"
	case EventConnectFailed:
		return "connect_failed"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// SessionEvent reports a lifecycle transition of a session.
// Err is set for failure events and nil otherwise.
type SessionEvent struct {
	Kind EventKind
	Err  error
}

// Subscription represents an active topic subscription.
// Delivery is an explicit channel boundary between the transport goroutine
// and application logic; the channel is closed exactly once by Close.
type Subscription interface {
	// C returns the channel to receive messages.
	C() <-chan Message

	// Close closes and removes the subscription.
	Close()
}

// Delivery is a guaranteed message handed to a queue consumer. The consumer
// must call Ack once it has processed the message; unacknowledged deliveries
// are eventually redelivered by the backend.
type Delivery struct {
	Message

	ack func() error
}

// NewDelivery binds a message to its acknowledgement function.
// Backends use it to construct deliveries; ack may be nil.
func NewDelivery(msg Message, ack func() error) Delivery {
	return Delivery{Message: msg, ack: ack}
}

// Ack acknowledges the delivery. Acknowledging twice is a no-op on
// backends that support it and a backend error otherwise.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// QueueSubscription represents an active queue binding
// for guaranteed message consumption.
type QueueSubscription interface {
	// C returns the channel to receive deliveries.
	C() <-chan Delivery

	// Close closes and removes the binding. Pending unacknowledged
	// deliveries return to the queue per backend redelivery rules.
	Close()
}

// Session is an established logical connection to a messaging service.
// Implementations must be safe for concurrent use.
type Session interface {
	// Publish sends a message to its destination. Transport errors are
	// returned synchronously; direct messages to destinations without
	// subscribers vanish without error.
	Publish(ctx context.Context, msg Message, mode DeliveryMode) error

	// Subscribe creates a subscription to a destination pattern.
	// Patterns use NATS-style tokens: "*" matches exactly one token,
	// ">" matches the remaining tail.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// BindQueue opens a guaranteed-delivery binding to a named queue.
	BindQueue(ctx context.Context, queue string) (QueueSubscription, error)

	// Events returns the session lifecycle event channel. Events are
	// emitted best-effort into a bounded buffer; they never block the
	// transport. The channel is closed after the Closed event.
	Events() <-chan SessionEvent

	// Close terminates the session and all its subscriptions.
	// It is idempotent.
	Close() error
}

// Metrics receives transport instrumentation callbacks.
type Metrics interface {
	OnPublish(destination string)
	OnDeliveryDropped()
}

// NopMetrics discards all instrumentation.
type NopMetrics struct{}

func (NopMetrics) OnPublish(string) {}

func (NopMetrics) OnDeliveryDropped() {}
