package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridable at build time:
//
//	go build -ldflags "-X github.com/msgkit/msgkit/samples/cmd.Version=v1.0.0"
var Version = "0.1.0-dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the msgkit version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("msgkit", Version)
	},
}
