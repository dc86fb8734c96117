// Command stepflow runs the account pipelines against a configured snapshot
// store and inspects what they persisted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Run and inspect stepflow pipelines",
		Long: `stepflow executes the account pipelines (open, deposit) with snapshot
caching, claims, metrics and tracing taken from a YAML config file.

Example:
  stepflow run -c stepflow.yaml scenario.yaml
  stepflow snapshot get -c stepflow.yaml --key acct-1`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")

	root.AddCommand(
		newRunCmd(),
		newFingerprintCmd(),
		newSnapshotCmd(),
	)
	return root
}
