package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
	"github.com/msgkit/msgkit/modules/messaging/inmem"
	"github.com/msgkit/msgkit/modules/reqreply"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Tour the request/reply samples on an in-memory broker",
	Long: `Run the whole tour without any broker installed: an in-memory
fabric carries a replier and a requestor through every calculator
operation, a handler failure, a timeout and a guaranteed-delivery queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context())
	},
}

func runDemo(ctx context.Context) error {
	broker := inmem.New(inmem.Config{})
	defer func() { _ = broker.Close() }()

	replierSess, err := broker.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = replierSess.Close() }()
	requestorSess, err := broker.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = requestorSess.Close() }()

	const address = "demo.calc"
	rep, err := reqreply.NewReplier(ctx, replierSess, reqreply.ReplierConfig{
		Destination: address,
	})
	if err != nil {
		return err
	}
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = rep.Serve(serveCtx)
	}()
	defer func() { stopServe(); <-served }()

	r, err := reqreply.NewRequestor(ctx, requestorSess,
		reqreply.RequestorConfig{})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	bold := color.New(color.Bold)
	bold.Println("request/reply")
	requests := []reqreply.Request{
		{Operation: reqreply.OpAdd, Operand1: 9, Operand2: 5},
		{Operation: reqreply.OpSub, Operand1: 9, Operand2: 5},
		{Operation: reqreply.OpMul, Operand1: 9, Operand2: 5},
		{Operation: reqreply.OpDiv, Operand1: 9, Operand2: 5},
	}
	for _, req := range requests {
		if err := demoRequest(ctx, r, address, req, 0); err != nil {
			return err
		}
	}

	bold.Println("\nhandler failure")
	_ = demoRequest(ctx, r, address, reqreply.Request{
		Operation: reqreply.OpDiv, Operand1: 3, Operand2: 0,
	}, 0)

	bold.Println("\ntimeout (nobody serves demo.void)")
	_ = demoRequest(ctx, r, "demo.void", reqreply.Request{
		Operation: reqreply.OpAdd, Operand1: 1, Operand2: 1,
	}, 200*time.Millisecond)
	fmt.Printf("outstanding requests after timeout: %d\n", r.Outstanding())

	bold.Println("\nguaranteed delivery")
	return demoQueue(ctx, broker, requestorSess)
}

func demoRequest(
	ctx context.Context, r *reqreply.Requestor, address string,
	req reqreply.Request, timeout time.Duration,
) error {
	start := time.Now()
	reply, err := r.Request(ctx, address, req, timeout)
	printResult(req, reply, err, time.Since(start))
	return err
}

// demoQueue enqueues jobs before anyone consumes to show that the broker
// holds them, then binds the queue and acknowledges every delivery.
func demoQueue(
	ctx context.Context, broker *inmem.Broker, sess messaging.Session,
) error {
	const queue = "demo.jobs"
	jobs := []string{"resize", "encode", "upload"}
	for _, job := range jobs {
		err := sess.Publish(ctx, messaging.Message{
			Destination: queue,
			Payload:     []byte(job),
		}, messaging.DeliveryPersistent)
		if err != nil {
			return err
		}
	}
	pending, unacked := broker.QueueDepth(queue)
	fmt.Printf("enqueued %d jobs, queue depth: %d pending, %d unacked\n",
		len(jobs), pending, unacked)

	qsub, err := sess.BindQueue(ctx, queue)
	if err != nil {
		return err
	}
	defer qsub.Close()
	for range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-qsub.C():
			if err := d.Ack(); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("acked"), d.Payload)
		}
	}
	pending, unacked = broker.QueueDepth(queue)
	fmt.Printf("queue depth: %d pending, %d unacked\n", pending, unacked)
	return nil
}
