package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
	"github.com/msgkit/msgkit/modules/reqreply"
)

var (
	flagRequestTimeout     time.Duration
	flagRequestCount       int
	flagRequestFuture      bool
	flagRequestInteractive bool
)

func init() {
	requestCmd.Flags().DurationVar(&flagRequestTimeout, "timeout", 0,
		"Per-request timeout, overrides the configured one")
	requestCmd.Flags().IntVar(&flagRequestCount, "count", 1,
		"Number of requests to issue")
	requestCmd.Flags().BoolVar(&flagRequestFuture, "future", false,
		"Send all requests first, then collect the replies")
	requestCmd.Flags().BoolVarP(&flagRequestInteractive, "interactive", "i",
		false, "Pick operation and operands in a form")
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request [<op> <a> <b>]",
	Short: "Send a calculator request and print the result",
	Long: `Send a calculator request to the configured request address and
print the result. Operations: add, sub, mul, div. Without arguments
"add 9 5" is sent.

The exit status tells failure modes apart: 2 when the request timed out,
3 when the replier reported a failure, 4 on a transport error.`,
	Args: cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromArgs(args)
		if err != nil {
			return err
		}
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				return runRequests(ctx, sess, req)
			})
	},
}

func requestFromArgs(args []string) (reqreply.Request, error) {
	if flagRequestInteractive {
		return requestFromForm()
	}
	if len(args) == 0 {
		return reqreply.Request{
			Operation: reqreply.OpAdd, Operand1: 9, Operand2: 5,
		}, nil
	}
	if len(args) != 3 {
		return reqreply.Request{}, errors.New(
			"expects either no arguments or all of <op> <a> <b>")
	}
	op, err := parseOpArg(args[0])
	if err != nil {
		return reqreply.Request{}, err
	}
	a, err := parseOperand(args[1])
	if err != nil {
		return reqreply.Request{}, err
	}
	b, err := parseOperand(args[2])
	if err != nil {
		return reqreply.Request{}, err
	}
	return reqreply.Request{Operation: op, Operand1: a, Operand2: b}, nil
}

func parseOperand(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("operand %q: %w", s, err)
	}
	return int32(v), nil
}

func parseOpArg(s string) (reqreply.Op, error) {
	op, err := reqreply.ParseOp(s)
	if err == nil {
		return op, nil
	}
	valid := []string{
		string(reqreply.OpAdd), string(reqreply.OpSub),
		string(reqreply.OpMul), string(reqreply.OpDiv),
	}
	ranks := fuzzy.RankFindNormalizedFold(s, valid)
	if len(ranks) == 0 {
		return "", err
	}
	sort.Sort(ranks)
	return "", fmt.Errorf("%w, did you mean %q?", err, ranks[0].Target)
}

func requestFromForm() (reqreply.Request, error) {
	op := string(reqreply.OpAdd)
	a, b := "9", "5"
	validateOperand := func(s string) error {
		if _, err := strconv.ParseInt(s, 10, 32); err != nil {
			return errors.New("not a whole number")
		}
		return nil
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Operation").
			Options(
				huh.NewOption("add", string(reqreply.OpAdd)),
				huh.NewOption("sub", string(reqreply.OpSub)),
				huh.NewOption("mul", string(reqreply.OpMul)),
				huh.NewOption("div", string(reqreply.OpDiv)),
			).
			Value(&op),
		huh.NewInput().
			Title("Operand 1").
			Validate(validateOperand).
			Value(&a),
		huh.NewInput().
			Title("Operand 2").
			Validate(validateOperand).
			Value(&b),
	))
	if err := form.Run(); err != nil {
		return reqreply.Request{}, err
	}
	operand1, _ := strconv.ParseInt(a, 10, 32)
	operand2, _ := strconv.ParseInt(b, 10, 32)
	return reqreply.Request{
		Operation: reqreply.Op(op),
		Operand1:  int32(operand1),
		Operand2:  int32(operand2),
	}, nil
}

func runRequests(
	ctx context.Context, sess messaging.Session, req reqreply.Request,
) error {
	timeout := flagRequestTimeout
	if timeout <= 0 {
		var err error
		if timeout, err = conf.requestTimeout(); err != nil {
			return err
		}
	}
	r, err := reqreply.NewRequestor(ctx, sess, reqreply.RequestorConfig{
		DefaultTimeout: timeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if flagRequestFuture {
		return collectFutures(ctx, r, req)
	}

	for i := 0; i < flagRequestCount; i++ {
		start := time.Now()
		reply, err := r.Request(ctx, conf.Request.Address, req, 0)
		printResult(req, reply, err, time.Since(start))
		if err != nil {
			return err
		}
	}
	return nil
}

// collectFutures pipelines the requests: all are sent before the first
// reply is awaited, so the total latency is one round trip rather
// than count round trips.
func collectFutures(
	ctx context.Context, r *reqreply.Requestor, req reqreply.Request,
) error {
	start := time.Now()
	pending := make([]*reqreply.PendingReply, 0, flagRequestCount)
	for i := 0; i < flagRequestCount; i++ {
		p, err := r.Send(ctx, conf.Request.Address, req)
		if err != nil {
			return err
		}
		pending = append(pending, p)
	}

	timeout := flagRequestTimeout
	if timeout <= 0 {
		if t, err := conf.requestTimeout(); err == nil && t > 0 {
			timeout = t
		} else {
			timeout = reqreply.DefaultTimeout
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	for _, p := range pending {
		reply, err := p.Wait(waitCtx)
		if err != nil && errors.Is(err, waitCtx.Err()) {
			if p.Cancel() {
				err = reqreply.ErrTimeout
			} else {
				// The reply arrived while we were giving up: take it.
				<-p.Done()
				reply, err = p.Result()
			}
		}
		printResult(req, reply, err, time.Since(start))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func printResult(
	req reqreply.Request, reply reqreply.Reply, err error, elapsed time.Duration,
) {
	expr := fmt.Sprintf("%d %s %d", req.Operand1, req.Operation, req.Operand2)
	if err != nil {
		fmt.Printf("%s = %s\n", expr, color.RedString("%v", err))
		return
	}
	result := strconv.FormatFloat(reply.Result, 'g', -1, 64)
	fmt.Printf("%s = %s %s\n", expr,
		color.GreenString(result),
		color.HiBlackString("(%s)", elapsed.Round(time.Millisecond)))
}
