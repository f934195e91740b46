package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/app"
	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo accounts in every lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		accounts, err := a.Accounts()
		if err != nil {
			return err
		}
		n, err := seedAccounts(cmd.Context(), accounts, a.Clock.Now())
		if err != nil {
			return err
		}
		a.Log.Info("seed complete", zap.Int("inserted", n))
		return nil
	},
}

// demoAccounts returns one account per lifecycle branch, all due at now
// except the fresh trial.
func demoAccounts(now time.Time) []model.Account {
	past := now.Add(-time.Minute).UnixMilli()
	return []model.Account{
		model.NewTrialAccount("demo-trial", "demo-trial", lifecycle.TrialDeadline(now)),
		{AccountID: "demo-trial-ended", Version: model.AccountVersion, Username: "demo-trial-ended",
			Status: model.StatusActive, Trial: true, Expires: past},
		{AccountID: "demo-paid", Version: model.AccountVersion, Username: "demo-paid",
			Status: model.StatusActive, Times: 3, Expires: past},
		{AccountID: "demo-unpaid", Version: model.AccountVersion, Username: "demo-unpaid",
			Status: model.StatusActive, Expires: past},
		{AccountID: "demo-suspended", Version: model.AccountVersion, Username: "demo-suspended",
			Status: model.StatusSuspended, Suspended: 2, Expires: past},
		{AccountID: "demo-last-warning", Version: model.AccountVersion, Username: "demo-last-warning",
			Status: model.StatusSuspended, Suspended: model.MaxSuspension, Expires: past},
		{AccountID: "demo-disabled", Version: model.AccountVersion, Username: "demo-disabled",
			Status: model.StatusDisabled, Expires: now.Add(lifecycle.DisableGuard).UnixMilli()},
	}
}

func seedAccounts(ctx context.Context, repo repository.AccountsRepository, now time.Time) (int, error) {
	inserted := 0
	for _, acc := range demoAccounts(now) {
		if err := acc.Validate(); err != nil {
			return inserted, err
		}
		err := repo.Insert(ctx, acc)
		if errors.Is(err, model.ErrAccountExists) {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("insert %s: %w", acc.AccountID, err)
		}
		inserted++
	}
	return inserted, nil
}
