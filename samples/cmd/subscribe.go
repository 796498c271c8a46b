package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
)

var flagSubscribeCount int

func init() {
	subscribeCmd.Flags().IntVar(&flagSubscribeCount, "count", 0,
		"Exit after that many messages (0 = until interrupt)")
	rootCmd.AddCommand(subscribeCmd)
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <pattern>",
	Short: "Subscribe to a topic pattern and print incoming messages",
	Long: `Subscribe to a topic pattern and print every incoming message.
Patterns use dot-separated tokens, "*" matches one token and a trailing
">" matches the rest: "calc.*", "jobs.>".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				sub, err := sess.Subscribe(ctx, args[0])
				if err != nil {
					return err
				}
				defer sub.Close()

				fmt.Printf("subscribed to %s\n", color.CyanString(args[0]))
				received := 0
				for {
					select {
					case <-ctx.Done():
						return nil
					case msg, ok := <-sub.C():
						if !ok {
							return nil
						}
						printMessage(msg)
						received++
						if flagSubscribeCount > 0 &&
							received >= flagSubscribeCount {
							return nil
						}
					}
				}
			})
	},
}

func printMessage(msg messaging.Message) {
	fmt.Printf("%s %s", color.CyanString(msg.Destination), msg.Payload)
	if msg.CorrelationID != "" {
		fmt.Printf(" %s", color.HiBlackString("corr=%s", msg.CorrelationID))
	}
	if msg.ReplyTo != "" {
		fmt.Printf(" %s", color.HiBlackString("reply-to=%s", msg.ReplyTo))
	}
	fmt.Println()
}
