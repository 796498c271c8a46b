package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
)

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> <text>...",
	Short: "Publish one guaranteed message per text argument to a queue",
	Long: `Publish messages with guaranteed delivery. The broker stores each
message until a dequeue consumer acknowledges it, so the consumer may
connect later. The queue is provisioned first when the backend
requires it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				queue := args[0]
				if err := provisionQueue(sess, queue); err != nil {
					return err
				}
				for _, text := range args[1:] {
					err := sess.Publish(ctx, messaging.Message{
						Destination: queue,
						Payload:     []byte(text),
					}, messaging.DeliveryPersistent)
					if err != nil {
						return err
					}
					fmt.Printf("%s %s %s\n",
						color.GreenString("enqueued"),
						color.CyanString(queue), text)
				}
				return nil
			})
	},
}

// provisionQueue creates the broker-side resource backing a queue:
// a JetStream stream on NATS, a durable bound queue on AMQP. The inmem
// backend creates queues on first use and needs nothing.
func provisionQueue(sess messaging.Session, queue string) error {
	switch s := sess.(type) {
	case interface{ EnsureStream(...string) error }:
		if err := s.EnsureStream(queue); err != nil {
			return fmt.Errorf("provisioning stream for %q: %w", queue, err)
		}
	case interface{ EnsureQueue(string) error }:
		if err := s.EnsureQueue(queue); err != nil {
			return fmt.Errorf("provisioning queue %q: %w", queue, err)
		}
	}
	return nil
}
