package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/app"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the MySQL tables and, when configured, the ClickHouse sweep history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		sqlDB, err := a.MySQL()
		if err != nil {
			return err
		}

		sqlPath := filepath.Join(migrationsDir, "001_init.sql")
		sqlBytes, err := os.ReadFile(sqlPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", sqlPath, err)
		}
		// the DSN carries multiStatements=true
		if _, err := sqlDB.ExecContext(cmd.Context(), string(sqlBytes)); err != nil {
			return fmt.Errorf("exec migration %s: %w", sqlPath, err)
		}
		a.Log.Info("mysql migration applied", zap.String("file", sqlPath))

		chDB, err := a.ClickHouse()
		if err != nil {
			return err
		}
		if chDB == nil {
			a.Log.Info("clickhouse disabled, skipping sweep history migration")
			return nil
		}

		chPath := filepath.Join(migrationsDir, "clickhouse", "001_sweep_runs.sql")
		chBytes, err := os.ReadFile(chPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", chPath, err)
		}
		// clickhouse executes one statement per call
		for _, stmt := range strings.Split(string(chBytes), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := chDB.ExecContext(cmd.Context(), stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", chPath, err)
			}
		}
		a.Log.Info("clickhouse migration applied", zap.String("file", chPath))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the migration files")
}
