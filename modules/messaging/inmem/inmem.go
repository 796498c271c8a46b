// Package inmem provides an in-process messaging backend with fan-out
// delivery for topics and ack-tracked guaranteed delivery for queues.
// Slow topic subscribers are dropped (matching NATS core behavior).
//
// WARNING: Do not use this in multi-process deployments; messages are not
// shared across process boundaries. In production prefer a networked
// backend (natsmsg, amqpmsg).
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msgkit/msgkit/modules/messaging"
)

// DefaultAckTimeout is the redelivery timeout for
// unacknowledged queue deliveries.
const DefaultAckTimeout = 30 * time.Second

const eventsBuffer = 8

// Config configures the in-memory broker.
type Config struct {
	// ChanBuffer is the per-subscription channel buffer.
	// Defaults to messaging.DefaultChanBuffer if <= 0.
	ChanBuffer int

	// AckTimeout is the queue redelivery timeout.
	// Defaults to DefaultAckTimeout if <= 0.
	AckTimeout time.Duration

	// Metrics receives instrumentation callbacks. Defaults to NopMetrics.
	Metrics messaging.Metrics
}

// Broker is an in-process message fabric shared by its sessions.
type Broker struct {
	conf Config

	lock     sync.RWMutex
	topics   *subjectTree
	queues   map[string]*queue
	sessions map[*Session]struct{}
	closed   bool
}

// New creates an in-memory broker.
func New(conf Config) *Broker {
	if conf.ChanBuffer <= 0 {
		conf.ChanBuffer = messaging.DefaultChanBuffer
	}
	if conf.AckTimeout <= 0 {
		conf.AckTimeout = DefaultAckTimeout
	}
	if conf.Metrics == nil {
		conf.Metrics = messaging.NopMetrics{}
	}
	return &Broker{
		conf:     conf,
		topics:   newSubjectTree(),
		queues:   make(map[string]*queue),
		sessions: make(map[*Session]struct{}),
	}
}

// Connect opens a new session on the broker.
func (b *Broker) Connect() (*Session, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}
	s := &Session{
		broker: b,
		events: make(chan messaging.SessionEvent, eventsBuffer),
	}
	b.sessions[s] = struct{}{}
	s.emit(messaging.SessionEvent{Kind: messaging.EventUp})
	return s, nil
}

// Close shuts down the broker, its queues and all sessions.
func (b *Broker) Close() error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.lock.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	for _, q := range queues {
		q.close()
	}
	return nil
}

// queue returns the named queue, creating it on first use.
func (b *Broker) queue(name string) (*queue, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name, b.conf.AckTimeout)
		b.queues[name] = q
	}
	return q, nil
}

// QueueDepth reports the pending and unacknowledged message counts of a
// queue. Both are zero for queues that were never used.
func (b *Broker) QueueDepth(name string) (pending, unacked int) {
	b.lock.RLock()
	q, ok := b.queues[name]
	b.lock.RUnlock()
	if !ok {
		return 0, 0
	}
	return q.depth()
}

// Session is a logical connection to the in-memory broker.
type Session struct {
	broker *Broker
	events chan messaging.SessionEvent

	mu       sync.Mutex
	subs     []*subscription
	bindings []*queueBinding
	closed   bool
}

var _ messaging.Session = (*Session)(nil)

// Publish delivers a message to topic subscribers (direct) or appends it to
// a queue (persistent). Direct messages to slow subscribers are dropped.
func (s *Session) Publish(
	ctx context.Context, msg messaging.Message, mode messaging.DeliveryMode,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}
	if msg.Destination == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidPattern)
	}

	msg.Payload = bytes.Clone(msg.Payload)

	switch mode {
	case messaging.DeliveryDirect:
		return s.fanOut(msg)
	case messaging.DeliveryPersistent:
		q, err := s.broker.queue(msg.Destination)
		if err != nil {
			return err
		}
		q.push(msg)
		s.broker.conf.Metrics.OnPublish(msg.Destination)
		return nil
	}
	return fmt.Errorf("unknown delivery mode %d", mode)
}

func (s *Session) fanOut(msg messaging.Message) error {
	b := s.broker
	tokens := strings.Split(msg.Destination, ".")
	matched := make(map[*subscription]struct{})

	b.lock.RLock()
	if b.closed {
		b.lock.RUnlock()
		return messaging.ErrClosed
	}
	b.topics.match(tokens, matched)
	b.conf.Metrics.OnPublish(msg.Destination)

	for sub := range matched {
		select {
		case sub.ch <- msg:
		default: // Drop if subscriber is slow (matches NATS core semantics).
			b.conf.Metrics.OnDeliveryDropped()
		}
	}
	b.lock.RUnlock()
	return nil
}

// Subscribe registers a topic subscription for a destination pattern.
func (s *Session) Subscribe(
	ctx context.Context, pattern string,
) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens, err := splitPattern(pattern)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		ch:     make(chan messaging.Message, s.broker.conf.ChanBuffer),
		tokens: tokens,
		broker: s.broker,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, messaging.ErrClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	b := s.broker
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil, messaging.ErrClosed
	}
	b.topics.insert(tokens, sub)
	b.lock.Unlock()

	return sub, nil
}

// BindQueue opens a competing-consumer binding on a queue.
func (s *Session) BindQueue(
	ctx context.Context, queue string,
) (messaging.QueueSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queue == "" || strings.ContainsAny(queue, "*>") {
		return nil, fmt.Errorf("%w: queue name %q", ErrInvalidPattern, queue)
	}
	q, err := s.broker.queue(queue)
	if err != nil {
		return nil, err
	}

	binding := q.bind(s.broker.conf.ChanBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		binding.Close()
		return nil, messaging.ErrClosed
	}
	s.bindings = append(s.bindings, binding)
	s.mu.Unlock()

	return binding, nil
}

// Events returns the session lifecycle channel.
func (s *Session) Events() <-chan messaging.SessionEvent {
	return s.events
}

// Close terminates the session and its subscriptions. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	bindings := s.bindings
	s.subs, s.bindings = nil, nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, binding := range bindings {
		binding.Close()
	}

	b := s.broker
	b.lock.Lock()
	delete(b.sessions, s)
	b.lock.Unlock()

	s.emit(messaging.SessionEvent{Kind: messaging.EventClosed})
	close(s.events)
	return nil
}

// emit is best-effort: events never block the caller.
func (s *Session) emit(ev messaging.SessionEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

// subscription is a topic subscription on the in-memory broker.
type subscription struct {
	ch      chan messaging.Message
	tokens  []string
	broker  *Broker
	closed  bool
	closeMu sync.Mutex
}

func (s *subscription) C() <-chan messaging.Message {
	return s.ch
}

func (s *subscription) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	b := s.broker
	b.lock.Lock()
	b.topics.remove(s.tokens, s)
	b.lock.Unlock()

	close(s.ch)
}
