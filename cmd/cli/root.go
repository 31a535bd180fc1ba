package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"calcrunner/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "crctl",
	Short: "CalcRunner - an asynchronous calculation service",
	Long: `CalcRunner accepts numeric operations over HTTP, executes them on a pool of
background workers and lets clients poll for the result.

At a minimum, you need to start the webserver and at least 1 worker.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
