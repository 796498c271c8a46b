package reqreply_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msgkit/msgkit/modules/messaging"
	"github.com/msgkit/msgkit/modules/messaging/inmem"
	"github.com/msgkit/msgkit/modules/reqreply"
)

func newBroker(t *testing.T) *inmem.Broker {
	t.Helper()
	b := inmem.New(inmem.Config{ChanBuffer: 64})
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func connect(t *testing.T, b *inmem.Broker) *inmem.Session {
	t.Helper()
	s, err := b.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startReplier serves conf until the test ends.
func startReplier(
	t *testing.T, sess messaging.Session, conf reqreply.ReplierConfig,
) {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = discardLogger()
	}
	rep, err := reqreply.NewReplier(context.Background(), sess, conf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rep.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newRequestor(
	t *testing.T, sess messaging.Session, conf reqreply.RequestorConfig,
) *reqreply.Requestor {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = discardLogger()
	}
	r, err := reqreply.NewRequestor(context.Background(), sess, conf)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func TestCalculator(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	ctx := context.Background()

	tests := map[string]struct {
		op   reqreply.Op
		want float64
	}{
		"add": {reqreply.OpAdd, 14},
		"sub": {reqreply.OpSub, 4},
		"mul": {reqreply.OpMul, 45},
		"div": {reqreply.OpDiv, 1.8},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			reply, err := r.Request(ctx, "calc.requests", reqreply.Request{
				Operation: tc.op, Operand1: 9, Operand2: 5,
			}, 5*time.Second)
			require.NoError(t, err)
			require.True(t, reply.OK)
			require.Equal(t, tc.want, reply.Result)
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	start := time.Now()
	reply, err := r.Request(context.Background(), "calc.requests",
		reqreply.Request{
			Operation: reqreply.OpDiv, Operand1: 9, Operand2: 0,
		}, 10*time.Second)

	// A failure reply, not a missing one: it must arrive well
	// before the timeout.
	require.ErrorIs(t, err, reqreply.ErrHandlerFailure)
	require.NotErrorIs(t, err, reqreply.ErrTimeout)
	require.ErrorContains(t, err, "division by zero")
	require.False(t, reply.OK)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, r.Outstanding())
}

func TestUnknownOperation(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	reply, err := r.Request(context.Background(), "calc.requests",
		reqreply.Request{
			Operation: "mod", Operand1: 9, Operand2: 5,
		}, 5*time.Second)
	require.ErrorIs(t, err, reqreply.ErrHandlerFailure)
	require.ErrorContains(t, err, "unknown operation")
	require.False(t, reply.OK)
}

func TestHandlerPanic(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.panics",
		Handler: func(context.Context, reqreply.Request) (float64, error) {
			panic("boom")
		},
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	_, err := r.Request(context.Background(), "calc.panics",
		reqreply.Request{Operation: reqreply.OpAdd}, 5*time.Second)
	require.ErrorIs(t, err, reqreply.ErrHandlerFailure)
	require.ErrorContains(t, err, "panic")
}

func TestCustomHandler(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.double",
		Handler: func(_ context.Context, req reqreply.Request) (float64, error) {
			return float64(req.Operand1) * 2, nil
		},
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	reply, err := r.Request(context.Background(), "calc.double",
		reqreply.Request{Operand1: 21}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(42), reply.Result)
}

func TestRequestTimeout(t *testing.T) {
	b := newBroker(t)
	// No replier is serving the destination.
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	_, err := r.Request(context.Background(), "calc.nobody",
		reqreply.Request{Operation: reqreply.OpAdd}, 50*time.Millisecond)
	require.ErrorIs(t, err, reqreply.ErrTimeout)
	require.Zero(t, r.Outstanding(), "timed out request must not leak")
}

func TestLateReplyDiscarded(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.slow",
		Handler: func(_ context.Context, req reqreply.Request) (float64, error) {
			time.Sleep(250 * time.Millisecond)
			return reqreply.Calculate(req)
		},
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	ctx := context.Background()

	_, err := r.Request(ctx, "calc.slow", reqreply.Request{
		Operation: reqreply.OpAdd, Operand1: 1, Operand2: 2,
	}, 40*time.Millisecond)
	require.ErrorIs(t, err, reqreply.ErrTimeout)
	require.Zero(t, r.Outstanding())

	// The late reply arrives while the next request is pending and must
	// not resolve it.
	reply, err := r.Request(ctx, "calc.slow", reqreply.Request{
		Operation: reqreply.OpMul, Operand1: 9, Operand2: 5,
	}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(45), reply.Result)
	require.Zero(t, r.Outstanding())
}

func TestNoCrossResolution(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	ctx := context.Background()

	const n = 20
	results := make([]float64, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := r.Request(ctx, "calc.requests", reqreply.Request{
				Operation: reqreply.OpAdd,
				Operand1:  int32(i),
				Operand2:  100,
			}, 5*time.Second)
			results[i], errs[i] = reply.Result, err
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, float64(i)+100, results[i],
			"request %d received a foreign reply", i)
	}
	require.Zero(t, r.Outstanding())
}

func TestFutureMode(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	ctx := context.Background()

	p, err := r.Send(ctx, "calc.requests", reqreply.Request{
		Operation: reqreply.OpAdd, Operand1: 9, Operand2: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.CorrelationID())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending reply never settled")
	}

	reply, err := p.Result()
	require.NoError(t, err)
	require.Equal(t, float64(14), reply.Result)
}

func TestResultBeforeSettlement(t *testing.T) {
	b := newBroker(t)
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})

	p, err := r.Send(context.Background(), "calc.nobody", reqreply.Request{
		Operation: reqreply.OpAdd,
	})
	require.NoError(t, err)

	_, err = p.Result()
	require.ErrorIs(t, err, reqreply.ErrPending)
	require.Equal(t, 1, r.Outstanding())

	require.True(t, p.Cancel())
	_, err = p.Result()
	require.ErrorIs(t, err, reqreply.ErrCanceled)
	require.Zero(t, r.Outstanding())
}

func TestCancelSettlesExactlyOnce(t *testing.T) {
	b := newBroker(t)
	startReplier(t, connect(t, b), reqreply.ReplierConfig{
		Destination: "calc.requests",
	})
	ctx := context.Background()

	t.Run("cancel wins", func(t *testing.T) {
		r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
		p, err := r.Send(ctx, "calc.unserved", reqreply.Request{
			Operation: reqreply.OpAdd,
		})
		require.NoError(t, err)

		require.True(t, p.Cancel())
		require.False(t, p.Cancel(), "second cancel must lose")
		_, err = p.Result()
		require.ErrorIs(t, err, reqreply.ErrCanceled)
		require.Zero(t, r.Outstanding())
	})

	t.Run("reply wins", func(t *testing.T) {
		r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
		p, err := r.Send(ctx, "calc.requests", reqreply.Request{
			Operation: reqreply.OpAdd, Operand1: 9, Operand2: 5,
		})
		require.NoError(t, err)

		<-p.Done()
		require.False(t, p.Cancel(), "cancel after settlement must lose")
		reply, err := p.Result()
		require.NoError(t, err)
		require.Equal(t, float64(14), reply.Result)
		require.Zero(t, r.Outstanding())
	})

	t.Run("racing", func(t *testing.T) {
		r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
		for range 50 {
			p, err := r.Send(ctx, "calc.requests", reqreply.Request{
				Operation: reqreply.OpAdd, Operand1: 1, Operand2: 1,
			})
			require.NoError(t, err)

			canceled := make(chan bool, 1)
			go func() { canceled <- p.Cancel() }()

			if <-canceled {
				<-p.Done()
				_, err := p.Result()
				require.ErrorIs(t, err, reqreply.ErrCanceled)
			} else {
				<-p.Done()
				reply, err := p.Result()
				require.NoError(t, err)
				require.Equal(t, float64(2), reply.Result)
			}
			require.Zero(t, r.Outstanding())
		}
	})
}

func TestDuplicateReplyDiscarded(t *testing.T) {
	b := newBroker(t)
	replySess := connect(t, b)
	ctx := context.Background()

	sub, err := replySess.Subscribe(ctx, "svc.manual")
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	// A misbehaving replier answering every request twice.
	go func() {
		for msg := range sub.C() {
			for _, result := range []float64{1, 2} {
				payload, err := reqreply.EncodeReply(reqreply.Reply{
					OK: true, Result: result,
				})
				if err != nil {
					panic(err)
				}
				_ = replySess.Publish(ctx, messaging.Message{
					Destination:   msg.ReplyTo,
					Payload:       payload,
					CorrelationID: msg.CorrelationID,
				}, messaging.DeliveryDirect)
			}
		}
	}()

	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	reply, err := r.Request(ctx, "svc.manual",
		reqreply.Request{Operation: reqreply.OpAdd}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(1), reply.Result, "first reply wins")
	require.Zero(t, r.Outstanding())

	// A second request proves the duplicate left the requestor healthy.
	reply, err = r.Request(ctx, "svc.manual",
		reqreply.Request{Operation: reqreply.OpAdd}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(1), reply.Result)
}

func TestMalformedReplyDropped(t *testing.T) {
	b := newBroker(t)
	replySess := connect(t, b)
	ctx := context.Background()

	sub, err := replySess.Subscribe(ctx, "svc.garbage")
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	// Answers garbage first; the valid reply follows. The garbage must
	// not settle the pending request.
	go func() {
		for msg := range sub.C() {
			_ = replySess.Publish(ctx, messaging.Message{
				Destination:   msg.ReplyTo,
				Payload:       []byte("{not json"),
				CorrelationID: msg.CorrelationID,
			}, messaging.DeliveryDirect)

			payload, err := reqreply.EncodeReply(reqreply.Reply{
				OK: true, Result: 7,
			})
			if err != nil {
				panic(err)
			}
			_ = replySess.Publish(ctx, messaging.Message{
				Destination:   msg.ReplyTo,
				Payload:       payload,
				CorrelationID: msg.CorrelationID,
			}, messaging.DeliveryDirect)
		}
	}()

	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{})
	reply, err := r.Request(ctx, "svc.garbage",
		reqreply.Request{Operation: reqreply.OpAdd}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(7), reply.Result)
}

func TestReplierDropsUnaddressedRequests(t *testing.T) {
	b := newBroker(t)
	replierSess := connect(t, b)
	startReplier(t, replierSess, reqreply.ReplierConfig{
		Destination: "calc.requests",
	})

	sess := connect(t, b)
	ctx := context.Background()

	probe, err := sess.Subscribe(ctx, "probe.inbox")
	require.NoError(t, err)
	t.Cleanup(probe.Close)

	payload, err := reqreply.EncodeRequest(reqreply.Request{
		Operation: reqreply.OpAdd, Operand1: 1, Operand2: 2,
	})
	require.NoError(t, err)

	// No reply address at all.
	require.NoError(t, sess.Publish(ctx, messaging.Message{
		Destination: "calc.requests", Payload: payload,
	}, messaging.DeliveryDirect))

	// Reply-to without a correlation id.
	require.NoError(t, sess.Publish(ctx, messaging.Message{
		Destination: "calc.requests", Payload: payload,
		ReplyTo: "probe.inbox",
	}, messaging.DeliveryDirect))

	// Complete envelope, malformed payload.
	require.NoError(t, sess.Publish(ctx, messaging.Message{
		Destination:   "calc.requests",
		Payload:       []byte("{not json"),
		ReplyTo:       "probe.inbox",
		CorrelationID: "probe-1",
	}, messaging.DeliveryDirect))

	select {
	case msg := <-probe.C():
		t.Fatalf("dropped request produced a reply: %q", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}

	// The replier survived all three.
	r := newRequestor(t, sess, reqreply.RequestorConfig{})
	reply, err := r.Request(ctx, "calc.requests", reqreply.Request{
		Operation: reqreply.OpAdd, Operand1: 9, Operand2: 5,
	}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(14), reply.Result)
}

func TestRequestorClose(t *testing.T) {
	b := newBroker(t)
	sess := connect(t, b)
	r, err := reqreply.NewRequestor(context.Background(), sess,
		reqreply.RequestorConfig{Logger: discardLogger()})
	require.NoError(t, err)
	ctx := context.Background()

	p, err := r.Send(ctx, "calc.nobody", reqreply.Request{
		Operation: reqreply.OpAdd,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = r.Close()
	}()

	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, reqreply.ErrClosed)
	require.Zero(t, r.Outstanding())

	_, err = r.Send(ctx, "calc.nobody", reqreply.Request{})
	require.ErrorIs(t, err, reqreply.ErrClosed)

	require.NoError(t, r.Close(), "closing twice must be a no-op")
}

func TestDuplicateCorrelationID(t *testing.T) {
	b := newBroker(t)
	r := newRequestor(t, connect(t, b), reqreply.RequestorConfig{
		Generator: stubGen{id: "fixed"},
	})
	ctx := context.Background()

	p, err := r.Send(ctx, "calc.nobody", reqreply.Request{})
	require.NoError(t, err)
	require.Equal(t, "fixed", p.CorrelationID())

	_, err = r.Send(ctx, "calc.nobody", reqreply.Request{})
	require.ErrorIs(t, err, reqreply.ErrDuplicateCorrelationID)

	require.True(t, p.Cancel())
}

type stubGen struct{ id string }

func (g stubGen) Next() string { return g.id }

func TestTransportError(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Connect()
	require.NoError(t, err)

	r, err := reqreply.NewRequestor(context.Background(), sess,
		reqreply.RequestorConfig{Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	require.NoError(t, sess.Close())

	_, err = r.Send(context.Background(), "calc.requests", reqreply.Request{
		Operation: reqreply.OpAdd,
	})
	require.ErrorIs(t, err, reqreply.ErrTransport)
	require.ErrorIs(t, err, messaging.ErrClosed)
	require.Zero(t, r.Outstanding(), "failed send must not leak an entry")
}

func TestNewReplierNoDestination(t *testing.T) {
	b := newBroker(t)
	_, err := reqreply.NewReplier(context.Background(), connect(t, b),
		reqreply.ReplierConfig{})
	require.ErrorIs(t, err, reqreply.ErrNoDestination)
}
