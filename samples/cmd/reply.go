package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
	"github.com/msgkit/msgkit/modules/reqreply"
)

func init() {
	rootCmd.AddCommand(replyCmd)
}

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Serve calculator requests until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithSession(cmd.Context(),
			func(ctx context.Context, sess messaging.Session) error {
				rep, err := reqreply.NewReplier(ctx, sess,
					reqreply.ReplierConfig{
						Destination: conf.Request.Address,
					})
				if err != nil {
					return err
				}
				fmt.Printf("serving calculator on %s, ctrl-c to stop\n",
					color.CyanString(conf.Request.Address))

				err = rep.Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
	},
}
