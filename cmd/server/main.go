// Command relay runs the event outbox processor, the job workers and the
// ops HTTP API, and offers a few maintenance subcommands.
//
// Usage:
//
//	relay serve
//	relay migrate
//	relay queue stats jobs
//	relay queue retry-deadletter jobs --count 50
//	relay outbox drain
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Durable event outbox and retry-aware job queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newOutboxCmd())

	return rootCmd
}
