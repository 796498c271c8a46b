package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
)

var (
	flagPublishCorrelationID string
	flagPublishReplyTo       string
	flagPublishPersistent    bool
)

func init() {
	publishCmd.Flags().StringVar(&flagPublishCorrelationID, "correlation-id",
		"", "Correlation id to stamp on every message")
	publishCmd.Flags().StringVar(&flagPublishReplyTo, "reply-to",
		"", "Reply destination to stamp on every message")
	publishCmd.Flags().BoolVar(&flagPublishPersistent, "persistent",
		false, "Publish with guaranteed delivery (topic must be a bound queue)")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <text>...",
	Short: "Publish one message per text argument to a topic",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				topic := args[0]
				mode := messaging.DeliveryDirect
				if flagPublishPersistent {
					mode = messaging.DeliveryPersistent
				}
				for _, text := range args[1:] {
					err := sess.Publish(ctx, messaging.Message{
						Destination:   topic,
						Payload:       []byte(text),
						CorrelationID: flagPublishCorrelationID,
						ReplyTo:       flagPublishReplyTo,
					}, mode)
					if err != nil {
						return err
					}
					fmt.Printf("%s %s %s\n",
						color.GreenString("sent"),
						color.CyanString(topic), text)
				}
				return nil
			})
	},
}
