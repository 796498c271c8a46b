package reqreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msgkit/msgkit/modules/corrid"
	"github.com/msgkit/msgkit/modules/messaging"
)

// RequestorConfig configures a Requestor.
type RequestorConfig struct {
	// ReplyPrefix is the subject prefix for the reply inbox.
	// Defaults to DefaultReplyPrefix.
	ReplyPrefix string

	// DefaultTimeout bounds Request calls with no explicit timeout.
	// Defaults to DefaultTimeout.
	DefaultTimeout time.Duration

	// Generator issues correlation ids.
	// Defaults to a fresh corrid.Sequence.
	Generator corrid.Generator

	// Logger receives dropped-reply diagnostics.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Requestor publishes requests and correlates replies arriving on its
// exclusive inbox back to their waiters.
type Requestor struct {
	sess  messaging.Session
	conf  RequestorConfig
	inbox string
	sub   messaging.Subscription
	table *pendingTable
	once  sync.Once
}

// NewRequestor subscribes a fresh reply inbox on the session and starts
// consuming replies.
func NewRequestor(
	ctx context.Context, sess messaging.Session, conf RequestorConfig,
) (*Requestor, error) {
	if conf.ReplyPrefix == "" {
		conf.ReplyPrefix = DefaultReplyPrefix
	}
	if conf.DefaultTimeout <= 0 {
		conf.DefaultTimeout = DefaultTimeout
	}
	if conf.Generator == nil {
		conf.Generator = corrid.NewSequence()
	}
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}

	inbox := conf.ReplyPrefix + "." + uuid.NewString()
	sub, err := sess.Subscribe(ctx, inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribing reply inbox %q: %w", inbox, err)
	}

	r := &Requestor{
		sess:  sess,
		conf:  conf,
		inbox: inbox,
		sub:   sub,
		table: newPendingTable(),
	}
	go r.consume()
	return r, nil
}

// Inbox returns the reply subject requests carry as their reply-to.
func (r *Requestor) Inbox() string { return r.inbox }

// Outstanding returns the number of unsettled requests.
func (r *Requestor) Outstanding() int { return r.table.len() }

// consume is the sole delivery-side resolver: every reply on the inbox
// passes through here exactly once.
func (r *Requestor) consume() {
	for msg := range r.sub.C() {
		if msg.CorrelationID == "" {
			r.conf.Logger.Warn("dropping reply without correlation id",
				slog.String("destination", msg.Destination))
			continue
		}
		reply, err := DecodeReply(msg.Payload)
		if err != nil {
			r.conf.Logger.Warn("dropping malformed reply",
				slog.String("correlationId", msg.CorrelationID),
				slog.Any("err", err))
			continue
		}
		if !r.table.resolve(msg.CorrelationID, reply) {
			// Late reply: its request already timed out or was canceled.
			r.conf.Logger.Debug("discarding late reply",
				slog.String("correlationId", msg.CorrelationID))
		}
	}
}

// Send publishes a request and returns immediately. The caller waits on
// the returned PendingReply and is responsible for canceling it when
// giving up, otherwise the entry stays in the table.
func (r *Requestor) Send(
	ctx context.Context, destination string, req Request,
) (*PendingReply, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	corrID := r.conf.Generator.Next()
	p, err := r.table.register(corrID)
	if err != nil {
		return nil, err
	}

	err = r.sess.Publish(ctx, messaging.Message{
		Destination:   destination,
		Payload:       payload,
		CorrelationID: corrID,
		ReplyTo:       r.inbox,
	}, messaging.DeliveryDirect)
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrTransport, err)
		r.table.expire(corrID, cause)
		return nil, cause
	}
	return p, nil
}

// Request publishes a request and blocks until the reply arrives or the
// timeout elapses. A non-positive timeout uses the configured default.
func (r *Requestor) Request(
	ctx context.Context, destination string, req Request, timeout time.Duration,
) (Reply, error) {
	if timeout <= 0 {
		timeout = r.conf.DefaultTimeout
	}
	p, err := r.Send(ctx, destination, req)
	if err != nil {
		return Reply{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := p.Wait(waitCtx)
	if err == nil || !errors.Is(err, waitCtx.Err()) {
		return reply, err
	}

	cause := err
	if errors.Is(err, context.DeadlineExceeded) {
		cause = ErrTimeout
	}
	if r.table.expire(p.corrID, cause) {
		return Reply{}, cause
	}
	// The reply won the race against the deadline: take it.
	<-p.Done()
	return p.Result()
}

// Close settles all outstanding requests with ErrClosed and stops the
// reply consumer. It is idempotent and never fails.
func (r *Requestor) Close() error {
	r.once.Do(func() {
		r.sub.Close()
		r.table.expireAll(ErrClosed)
	})
	return nil
}
