package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diamory/diamory-backend/cmd/worker"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "diamory",
		Short: "diamory account lifecycle backend",
		Long: `diamory runs the account lifecycle of the diary backend.

Schedule "diamory sweep expiration" and "diamory sweep removal" from cron,
or run "diamory serve" with scheduler.enabled to host both sweeps in-process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
