package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diamory/diamory-backend/internal/app"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/diamory/diamory-backend/internal/service/account"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Administer single accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create <account-id> <username>",
	Short: "Create a trial account and send the welcome mail",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccountService(cmd, func(svc *account.Service) (any, error) {
			return svc.Create(cmd.Context(), args[0], args[1])
		})
	},
}

var accountSkipTrialCmd = &cobra.Command{
	Use:   "skip-trial <account-id>",
	Short: "End the trial by spending one credit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccountService(cmd, func(svc *account.Service) (any, error) {
			return svc.SkipTrial(cmd.Context(), args[0])
		})
	},
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Disable the account's identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccountService(cmd, func(svc *account.Service) (any, error) {
			return map[string]string{"message": "ok"}, svc.Disable(cmd.Context(), args[0])
		})
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show <account-id>",
	Short: "Print an account and its recent credits",
	Args:  cobra.ExactArgs(1),
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
		acc, err := accounts.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		conn, _ := a.MySQL()
		credits, err := repository.NewCreditLedgerRepository(conn).ListByAccount(cmd.Context(), args[0], 20)
		if err != nil {
			return fmt.Errorf("list credits: %w", err)
		}
		return printJSON(cmd, struct {
			Account model.Account       `json:"account"`
			Credits []model.CreditEntry `json:"credits"`
		}{acc, credits})
	},
}

func init() {
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountSkipTrialCmd)
	accountCmd.AddCommand(accountDisableCmd)
	accountCmd.AddCommand(accountShowCmd)
}

func withAccountService(cmd *cobra.Command, fn func(*account.Service) (any, error)) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.Accounts()
	if err != nil {
		return err
	}
	ident, err := a.Identity(cmd.Context())
	if err != nil {
		return err
	}
	notifier, err := a.Notifier(cmd.Context())
	if err != nil {
		return err
	}
	loc, err := a.Cfg.Lifecycle.Location()
	if err != nil {
		return err
	}

	out, err := fn(account.New(accounts, ident, notifier, a.Clock, loc, a.Log))
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
