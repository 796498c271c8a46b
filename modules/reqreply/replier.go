package reqreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/msgkit/msgkit/modules/messaging"
)

// Handler computes a result for a decoded request.
// A returned error becomes a failure reply, never a dropped request.
type Handler func(ctx context.Context, req Request) (float64, error)

// ReplierConfig configures a Replier.
type ReplierConfig struct {
	// Destination is the subject pattern the replier serves. Required.
	Destination string

	// Handler processes requests. Defaults to Calculate.
	Handler Handler

	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// ErrNoDestination is returned by NewReplier for an empty destination.
var ErrNoDestination = errors.New("no destination to serve")

// Replier serves requests on a destination, publishing each outcome to
// the request's reply inbox under its correlation id.
type Replier struct {
	sess messaging.Session
	conf ReplierConfig
	sub  messaging.Subscription
}

// NewReplier subscribes the destination. Requests published after
// NewReplier returns are guaranteed to reach Serve.
func NewReplier(
	ctx context.Context, sess messaging.Session, conf ReplierConfig,
) (*Replier, error) {
	if conf.Destination == "" {
		return nil, ErrNoDestination
	}
	if conf.Handler == nil {
		conf.Handler = func(_ context.Context, req Request) (float64, error) {
			return Calculate(req)
		}
	}
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}
	sub, err := sess.Subscribe(ctx, conf.Destination)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", conf.Destination, err)
	}
	return &Replier{sess: sess, conf: conf, sub: sub}, nil
}

// Serve processes requests sequentially until ctx ends or the session
// closes. Closing the session is the graceful shutdown path and returns
// nil; cancellation returns the ctx error. A replier serves once: Serve
// drops the subscription on return.
func (r *Replier) Serve(ctx context.Context) error {
	defer r.sub.Close()

	r.conf.Logger.Info("serving requests",
		slog.String("destination", r.conf.Destination))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Replier) handle(ctx context.Context, msg messaging.Message) {
	if msg.ReplyTo == "" || msg.CorrelationID == "" {
		r.conf.Logger.Warn("dropping request without reply address",
			slog.String("destination", msg.Destination),
			slog.String("correlationId", msg.CorrelationID))
		return
	}

	req, err := DecodeRequest(msg.Payload)
	if err != nil {
		r.conf.Logger.Warn("dropping malformed request",
			slog.String("correlationId", msg.CorrelationID),
			slog.Any("err", err))
		return
	}

	reply := Reply{OK: true}
	reply.Result, err = r.invoke(ctx, req)
	if err != nil {
		reply = Reply{Error: err.Error()}
	}

	payload, err := EncodeReply(reply)
	if err != nil {
		r.conf.Logger.Error("encoding reply",
			slog.String("correlationId", msg.CorrelationID),
			slog.Any("err", err))
		return
	}

	err = r.sess.Publish(ctx, messaging.Message{
		Destination:   msg.ReplyTo,
		Payload:       payload,
		CorrelationID: msg.CorrelationID,
	}, messaging.DeliveryDirect)
	if err != nil {
		r.conf.Logger.Error("publishing reply",
			slog.String("replyTo", msg.ReplyTo),
			slog.String("correlationId", msg.CorrelationID),
			slog.Any("err", err))
		return
	}

	r.conf.Logger.Debug("served request",
		slog.String("operation", string(req.Operation)),
		slog.String("correlationId", msg.CorrelationID),
		slog.Bool("ok", reply.OK))
}

// invoke runs the handler, converting panics into failure replies so a
// buggy handler cannot leave requestors waiting for the full timeout.
func (r *Replier) invoke(
	ctx context.Context, req Request,
) (result float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.conf.Handler(ctx, req)
}
