// Package natsmsg provides a NATS backed messaging session: core NATS for
// direct delivery, JetStream for persistent delivery and queue consumption.
package natsmsg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/msgkit/msgkit/modules/messaging"
)

// Correlation envelope headers. Direct messages additionally use the native
// Reply subject; JetStream deliveries reserve Reply for the ack subject, so
// for those the header is authoritative.
const (
	HeaderCorrelationID = "Msgkit-Correlation-Id"
	HeaderReplyTo       = "Msgkit-Reply-To"
)

// DefaultStream is the JetStream stream name used for persistent delivery.
const DefaultStream = "MSGKIT"

const eventsBuffer = 8

// Config configures a NATS session.
type Config struct {
	// URL of the NATS server, e.g. "nats://127.0.0.1:4222".
	// Used by Connect; ignored by New.
	URL string

	// Name identifies the client connection on the server. Optional.
	Name string

	// Username and Password authenticate the connection. Optional.
	Username string
	Password string

	// Stream is the JetStream stream for persistent delivery.
	// Defaults to DefaultStream.
	Stream string

	// ChanBuffer is the per-subscription channel buffer.
	// Defaults to messaging.DefaultChanBuffer if <= 0.
	ChanBuffer int

	// AckWait overrides the JetStream redelivery timeout for
	// queue bindings. Zero keeps the server default.
	AckWait time.Duration

	// Metrics receives instrumentation callbacks. Defaults to NopMetrics.
	Metrics messaging.Metrics

	// Logger receives asynchronous transport warnings.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Session is a messaging session on a NATS connection.
type Session struct {
	conf    Config
	nc      *nats.Conn
	js      nats.JetStreamContext
	events  chan messaging.SessionEvent
	ownConn bool

	mu     sync.Mutex
	subs   []interface{ Close() }
	closed bool

	// evMu orders emits against closing the events channel: connection
	// handlers fire from nats client goroutines at any time.
	evMu     sync.Mutex
	evClosed bool
}

var _ messaging.Session = (*Session)(nil)

// Connect dials the configured NATS server and opens a session owning the
// connection: Close closes the connection too.
func Connect(conf Config) (*Session, error) {
	opts := []nats.Option{nats.Name(conf.Name)}
	if conf.Username != "" {
		opts = append(opts, nats.UserInfo(conf.Username, conf.Password))
	}
	nc, err := nats.Connect(conf.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %q: %w", conf.URL, err)
	}
	s, err := New(nc, conf)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownConn = true
	return s, nil
}

// New opens a session on an existing connection. The session installs its
// lifecycle handlers on the connection but does not close it.
func New(nc *nats.Conn, conf Config) (*Session, error) {
	if conf.Stream == "" {
		conf.Stream = DefaultStream
	}
	if conf.ChanBuffer <= 0 {
		conf.ChanBuffer = messaging.DefaultChanBuffer
	}
	if conf.Metrics == nil {
		conf.Metrics = messaging.NopMetrics{}
	}
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}

	s := &Session{
		conf:   conf,
		nc:     nc,
		js:     js,
		events: make(chan messaging.SessionEvent, eventsBuffer),
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		s.emit(messaging.SessionEvent{Kind: messaging.EventDown, Err: err})
	})
	nc.SetReconnectHandler(func(*nats.Conn) {
		s.emit(messaging.SessionEvent{Kind: messaging.EventReconnected})
	})
	nc.SetErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		conf.Logger.Warn("nats async error", slog.Any("err", err))
	})

	s.emit(messaging.SessionEvent{Kind: messaging.EventUp})
	return s, nil
}

// EnsureStream creates the configured JetStream stream covering the given
// subjects. Creating a stream that already exists is not an error.
func (s *Session) EnsureStream(subjects ...string) error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:        s.conf.Stream,
		Description: "stream automatically created by msgkit",
		Subjects:    subjects,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("adding stream: %w", err)
	}
	return nil
}

// Publish sends a message: core NATS for direct delivery,
// JetStream for persistent delivery.
func (s *Session) Publish(
	ctx context.Context, msg messaging.Message, mode messaging.DeliveryMode,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return messaging.ErrClosed
	}

	m := &nats.Msg{Subject: msg.Destination, Data: msg.Payload}
	if msg.CorrelationID != "" || msg.ReplyTo != "" {
		m.Header = nats.Header{}
		if msg.CorrelationID != "" {
			m.Header.Set(HeaderCorrelationID, msg.CorrelationID)
		}
		if msg.ReplyTo != "" {
			m.Header.Set(HeaderReplyTo, msg.ReplyTo)
		}
	}

	switch mode {
	case messaging.DeliveryDirect:
		// Native reply subject keeps direct messages usable
		// by plain NATS requestors.
		m.Reply = msg.ReplyTo
		if err := s.nc.PublishMsg(m); err != nil {
			return fmt.Errorf("publishing to %q: %w", msg.Destination, err)
		}
	case messaging.DeliveryPersistent:
		// JetStream rejects messages carrying a reply subject;
		// the header set above is the carrier.
		if _, err := s.js.PublishMsg(m, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publishing to stream %q: %w", msg.Destination, err)
		}
	default:
		return fmt.Errorf("unknown delivery mode %d", mode)
	}

	s.conf.Metrics.OnPublish(msg.Destination)
	return nil
}

// Subscribe opens a core NATS subscription delivering into a channel.
func (s *Session) Subscribe(
	_ context.Context, pattern string,
) (messaging.Subscription, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}

	ch := make(chan messaging.Message, s.conf.ChanBuffer)

	var (
		lock     sync.Mutex
		closing  bool
		inflight sync.WaitGroup
		once     sync.Once
	)
	var nsub *nats.Subscription

	closeAll := func() {
		once.Do(func() {
			// After this, no callback can call inflight.Add.
			lock.Lock()
			closing = true
			lock.Unlock()
			if nsub != nil {
				_ = nsub.Unsubscribe()
			}
			// Wait until all callbacks that already registered complete.
			inflight.Wait()
			close(ch)
		})
	}

	nsub, err := s.nc.Subscribe(pattern, func(m *nats.Msg) {
		// Registration is serialized with closeAll so Add never races Wait.
		lock.Lock()
		if closing {
			lock.Unlock()
			return
		}
		inflight.Add(1)
		lock.Unlock()
		defer inflight.Done()

		select {
		case ch <- fromNATS(m):
		default: // drop if subscriber is slow
			s.conf.Metrics.OnDeliveryDropped()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", pattern, err)
	}

	sub := &subscription{ch: ch, close: closeAll}
	s.track(sub)
	return sub, nil
}

// BindQueue opens a durable JetStream queue consumer with explicit acks.
// Bindings with the same queue name compete for deliveries.
func (s *Session) BindQueue(
	_ context.Context, queue string,
) (messaging.QueueSubscription, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}

	ch := make(chan messaging.Delivery, s.conf.ChanBuffer)

	var (
		lock     sync.Mutex
		closing  bool
		inflight sync.WaitGroup
		once     sync.Once
	)
	var nsub *nats.Subscription

	closeAll := func() {
		once.Do(func() {
			lock.Lock()
			closing = true
			lock.Unlock()
			if nsub != nil {
				// Unsubscribe would delete the durable consumer;
				// drain stops delivery and keeps it.
				_ = nsub.Drain()
			}
			inflight.Wait()
			close(ch)
		})
	}

	group := durableName(queue)
	opts := []nats.SubOpt{nats.Durable(group), nats.ManualAck()}
	if s.conf.AckWait > 0 {
		opts = append(opts, nats.AckWait(s.conf.AckWait))
	}

	nsub, err := s.js.QueueSubscribe(queue, group, func(m *nats.Msg) {
		lock.Lock()
		if closing {
			lock.Unlock()
			return
		}
		inflight.Add(1)
		lock.Unlock()
		defer inflight.Done()

		d := messaging.NewDelivery(fromJetStream(m), func() error {
			return m.Ack()
		})
		select {
		case ch <- d:
		default:
			// Hand the message back for redelivery instead of
			// losing it to a full buffer.
			s.conf.Metrics.OnDeliveryDropped()
			_ = m.Nak()
		}
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("binding queue %q: %w", queue, err)
	}

	sub := &queueSubscription{ch: ch, close: closeAll}
	s.track(sub)
	return sub, nil
}

// Events returns the session lifecycle channel.
func (s *Session) Events() <-chan messaging.SessionEvent {
	return s.events
}

// Close terminates the session; the connection too if Connect opened it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if s.ownConn {
		s.nc.Close()
	}
	s.emit(messaging.SessionEvent{Kind: messaging.EventClosed})

	s.evMu.Lock()
	s.evClosed = true
	close(s.events)
	s.evMu.Unlock()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(sub interface{ Close() }) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// emit is best-effort: events never block a transport callback.
func (s *Session) emit(ev messaging.SessionEvent) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func fromNATS(m *nats.Msg) messaging.Message {
	msg := messaging.Message{
		Destination:   m.Subject,
		Payload:       bytes.Clone(m.Data),
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		ReplyTo:       m.Header.Get(HeaderReplyTo),
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = m.Reply
	}
	return msg
}

func fromJetStream(m *nats.Msg) messaging.Message {
	// m.Reply is the JetStream ack subject here, never a reply-to.
	return messaging.Message{
		Destination:   m.Subject,
		Payload:       bytes.Clone(m.Data),
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		ReplyTo:       m.Header.Get(HeaderReplyTo),
	}
}

// durableName derives a JetStream-safe durable/queue-group
// name from a queue subject.
func durableName(queue string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, queue)
	return "msgkit_" + mapped
}

type subscription struct {
	ch    chan messaging.Message
	close func()
}

func (s *subscription) C() <-chan messaging.Message {
	return s.ch
}

func (s *subscription) Close() {
	if s.close == nil {
		return
	}
	s.close()
}

type queueSubscription struct {
	ch    chan messaging.Delivery
	close func()
}

func (s *queueSubscription) C() <-chan messaging.Delivery {
	return s.ch
}

func (s *queueSubscription) Close() {
	if s.close == nil {
		return
	}
	s.close()
}
