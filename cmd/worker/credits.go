package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/app"
	"github.com/diamory/diamory-backend/internal/kafka"
	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/diamory/diamory-backend/internal/worker"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Consume payment credits from Kafka and top up accounts",
	RunE:  runCredits,
}

func runCredits(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	if len(a.Cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is empty")
	}

	dbx, err := a.MySQL()
	if err != nil {
		return err
	}
	accounts, err := a.Accounts()
	if err != nil {
		return err
	}

	groupID := a.Cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "diamory-credits"
	}
	consumer := kafka.NewConsumer(kafka.Config{
		Brokers:        a.Cfg.Kafka.Brokers,
		Topic:          a.Cfg.Kafka.CreditsTopic,
		GroupID:        groupID,
		MinBytes:       a.Cfg.Kafka.MinBytes,
		MaxBytes:       a.Cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(a.Cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewCreditsWorker(consumer, &worker.SQLCreditApplier{
		DB:       dbx,
		Ledger:   repository.NewCreditLedgerRepository(dbx),
		Accounts: accounts,
	}, a.Log)
	w.Events = a.Events()
	w.Clock = a.Clock

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Log.Info("credits worker started",
		zap.String("topic", a.Cfg.Kafka.CreditsTopic),
		zap.String("group", groupID))

	return w.Run(ctx)
}
