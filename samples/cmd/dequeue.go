package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
)

var flagDequeueCount int

func init() {
	dequeueCmd.Flags().IntVar(&flagDequeueCount, "count", 0,
		"Exit after that many deliveries (0 = until interrupt)")
	rootCmd.AddCommand(dequeueCmd)
}

var dequeueCmd = &cobra.Command{
	Use:   "dequeue <queue>",
	Short: "Consume a queue, printing and acknowledging each delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				qsub, err := sess.BindQueue(ctx, args[0])
				if err != nil {
					return err
				}
				defer qsub.Close()

				received := 0
				for {
					select {
					case <-ctx.Done():
						return nil
					case d, ok := <-qsub.C():
						if !ok {
							return nil
						}
						printMessage(d.Message)
						if err := d.Ack(); err != nil {
							slog.Warn("acknowledging delivery",
								slog.Any("err", err))
						}
						received++
						if flagDequeueCount > 0 &&
							received >= flagDequeueCount {
							return nil
						}
					}
				}
			})
	},
}
