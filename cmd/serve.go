package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diamory/diamory-backend/internal/app"
	httpSrv "github.com/diamory/diamory-backend/internal/http"
	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server and, when enabled, the in-process sweep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		mysqlDB, err := a.MySQL()
		if err != nil {
			return err
		}
		checks := map[string]httpSrv.Check{
			"mysql": func(ctx context.Context) error { return mysqlDB.PingContext(ctx) },
		}

		runs, err := a.SweepRuns()
		if err != nil {
			return err
		}
		if chDB, _ := a.ClickHouse(); chDB != nil {
			checks["clickhouse"] = func(ctx context.Context) error { return chDB.PingContext(ctx) }
		}
		if a.Cfg.Sweeper.Lease.Enabled {
			rdb, err := a.Redis()
			if err != nil {
				return err
			}
			checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var jobs []worker.Job
		if a.Cfg.Scheduler.Enabled {
			jobs, err = scheduledSweeps(ctx, a)
			if err != nil {
				return err
			}
		}

		server := httpSrv.NewServer(httpSrv.Options{Checks: checks, Runs: runs, Logger: a.Log})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.Start(a.Cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			sched := &worker.Scheduler{Clock: a.Clock, Logger: a.Log, Jobs: jobs}
			return sched.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			a.Log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(sctx)
		})

		return g.Wait()
	},
}

func scheduledSweeps(ctx context.Context, a *app.App) ([]worker.Job, error) {
	runner, err := a.SweepRunner()
	if err != nil {
		return nil, err
	}

	plan := []struct {
		name     string
		interval time.Duration
	}{
		{lifecycle.SweeperExpiration, a.Cfg.Scheduler.ExpirationInterval},
		{lifecycle.SweeperRemoval, a.Cfg.Scheduler.RemovalInterval},
	}

	jobs := make([]worker.Job, 0, len(plan))
	for _, p := range plan {
		s, err := a.Sweeper(ctx, p.name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, worker.Job{
			Name:     p.name,
			Interval: p.interval,
			Run: func(ctx context.Context) error {
				_, err := runner.Run(ctx, s)
				return err
			},
		})
	}
	return jobs, nil
}
