// graphnoded is the node daemon: it serves graph database lifecycle,
// staging tables, queries, and ingestion over HTTP, and runs the
// background reconciliation loops.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "graphnoded",
		Short:         "Multi-tenant graph database node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	root.AddCommand(newServeCmd(&configFile))
	return root
}

func newLogger(environment string) *slog.Logger {
	var handler slog.Handler
	if environment == "dev" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
