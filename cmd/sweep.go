package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/app"
	"github.com/diamory/diamory-backend/internal/lifecycle"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a lifecycle sweep once (meant to be triggered by cron)",
}

var sweepExpirationCmd = &cobra.Command{
	Use:   "expiration",
	Short: "Renew, suspend or disable every account whose expiry has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(lifecycle.SweeperExpiration)
	},
}

var sweepRemovalCmd = &cobra.Command{
	Use:   "removal",
	Short: "Delete payloads, identity and record of every disabled account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(lifecycle.SweeperRemoval)
	},
}

var (
	historySweeper string
	historyLimit   int
)

var sweepHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sweep runs from ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.SweepRuns()
		if err != nil {
			return err
		}
		if runs == nil {
			return fmt.Errorf("sweep history disabled: clickhouse.dsn is empty")
		}

		rows, err := runs.ListRecent(cmd.Context(), historySweeper, historyLimit)
		if err != nil {
			return fmt.Errorf("list sweep runs: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSWEEPER\tPROCESSED\tRENEWED\tSUSPENDED\tDISABLED\tREMOVED\tCONFLICTS\tFAILED\tERROR")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Sweeper, r.Processed, r.Renewed,
				r.Suspended, r.Disabled, r.Removed, r.Conflicts, r.Failed, r.Error)
		}
		return tw.Flush()
	},
}

func init() {
	sweepHistoryCmd.Flags().StringVar(&historySweeper, "sweeper", "", "filter by sweeper (expiration|removal)")
	sweepHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")

	sweepCmd.AddCommand(sweepExpirationCmd)
	sweepCmd.AddCommand(sweepRemovalCmd)
	sweepCmd.AddCommand(sweepHistoryCmd)
}

func runSweep(name string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := a.Sweeper(ctx, name)
	if err != nil {
		return err
	}
	runner, err := a.SweepRunner()
	if err != nil {
		return err
	}

	if _, err := runner.Run(ctx, s); err != nil {
		a.Log.Error("sweep aborted", zap.String("sweeper", name), zap.Error(err))
		return fmt.Errorf("%s sweep: %w", name, err)
	}
	return nil
}
