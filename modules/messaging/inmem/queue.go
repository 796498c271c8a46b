package inmem

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msgkit/msgkit/modules/messaging"
)

// unackedMessage tracks a consumed but unacknowledged message.
type unackedMessage struct {
	msg        messaging.Message
	consumedAt time.Time
}

// queue is a guaranteed-delivery queue with ack tracking and redelivery.
// Persistent publishes append to pending; bound consumers compete for
// messages, and deliveries not acknowledged within ackTimeout return to the
// front of the queue.
type queue struct {
	name       string
	ackTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending []messaging.Message
	unacked map[string]unackedMessage
	closed  bool
	stopCh  chan struct{}
}

func newQueue(name string, ackTimeout time.Duration) *queue {
	q := &queue{
		name:       name,
		ackTimeout: ackTimeout,
		unacked:    make(map[string]unackedMessage),
		stopCh:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.redeliveryLoop()
	return q
}

func (q *queue) push(msg messaging.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, msg)
	q.cond.Signal()
}

// pop blocks until a message is available, the queue closes or the binding
// stops. The returned tag identifies the delivery until it is acked.
func (q *queue) pop(b *queueBinding) (messaging.Message, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || b.stopped {
			return messaging.Message{}, "", false
		}
		if len(q.pending) > 0 {
			break
		}
		q.cond.Wait()
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]

	tag := uuid.NewString()
	q.unacked[tag] = unackedMessage{msg: msg, consumedAt: time.Now()}
	return msg, tag, true
}

func (q *queue) ack(tag string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.unacked, tag)
}

// nack returns an unacknowledged delivery to the front of the queue
// immediately, ahead of its redelivery timeout.
func (q *queue) nack(tag string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	um, ok := q.unacked[tag]
	if !ok {
		return
	}
	delete(q.unacked, tag)
	q.pending = append([]messaging.Message{um.msg}, q.pending...)
	q.cond.Broadcast()
}

func (q *queue) depth() (pending, unacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.unacked)
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	q.cond.Broadcast()
}

// redeliveryLoop periodically requeues timed-out unacknowledged messages.
// The tick tracks the ack timeout so short timeouts redeliver promptly.
func (q *queue) redeliveryLoop() {
	tick := q.ackTimeout / 2
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.redeliverExpired()
		}
	}
}

func (q *queue) redeliverExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	requeued := false
	for tag, um := range q.unacked {
		if now.Sub(um.consumedAt) > q.ackTimeout {
			q.pending = append([]messaging.Message{um.msg}, q.pending...)
			delete(q.unacked, tag)
			requeued = true
		}
	}
	if requeued {
		q.cond.Broadcast()
	}
}

// queueBinding feeds messages popped from a queue into a consumer channel.
type queueBinding struct {
	q       *queue
	ch      chan messaging.Delivery
	stop    chan struct{}
	stopped bool // guarded by q.mu
	once    sync.Once
}

func (q *queue) bind(buffer int) *queueBinding {
	b := &queueBinding{
		q:    q,
		ch:   make(chan messaging.Delivery, buffer),
		stop: make(chan struct{}),
	}
	go b.feed()
	return b
}

// feed is the single writer and closer of b.ch.
func (b *queueBinding) feed() {
	defer close(b.ch)
	for {
		msg, tag, ok := b.q.pop(b)
		if !ok {
			return
		}
		d := messaging.NewDelivery(msg, func() error {
			b.q.ack(tag)
			return nil
		})
		select {
		case b.ch <- d:
		case <-b.stop:
			// Hand the popped message straight back instead of
			// waiting out the ack timeout.
			b.q.nack(tag)
			return
		}
	}
}

func (b *queueBinding) C() <-chan messaging.Delivery {
	return b.ch
}

func (b *queueBinding) Close() {
	b.once.Do(func() {
		b.q.mu.Lock()
		b.stopped = true
		b.q.mu.Unlock()
		close(b.stop)
		b.q.cond.Broadcast()
	})
}
