package worker

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/lock"
	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/diamory/diamory-backend/internal/util"
)

// Sweeper is one of the lifecycle batch jobs.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (lifecycle.Report, error)
}

// SweepRunner wraps a sweeper invocation with the optional lease, metrics,
// run history and pushgateway push.
type SweepRunner struct {
	// Dependencies
	Clock  clock.Clock
	Logger *zap.Logger
	Locker *lock.Locker                   // nil disables the lease
	Runs   repository.SweepRunsRepository // nil disables run history

	// Behavior
	LeaseTTL       time.Duration
	PushgatewayURL string
	Job            string
}

func NewSweepRunner(clk clock.Clock, lg *zap.Logger) *SweepRunner {
	if clk == nil {
		clk = clock.WallClock
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &SweepRunner{Clock: clk, Logger: lg, LeaseTTL: 15 * time.Minute, Job: "diamory-sweeper"}
}

// Run executes s once. A lease held by another runner skips the run without
// error.
func (r *SweepRunner) Run(ctx context.Context, s Sweeper) (lifecycle.Report, error) {
	name := s.Name()
	lg := r.Logger.With(zap.String("sweeper", name))

	if r.Locker != nil {
		lease, err := r.Locker.Acquire(ctx, name, r.LeaseTTL)
		if errors.Is(err, lock.ErrLeaseHeld) {
			lg.Info("sweep skipped, lease held elsewhere")
			metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
			return lifecycle.Report{Sweeper: name}, nil
		}
		if err != nil {
			return lifecycle.Report{Sweeper: name}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				lg.Warn("release lease", zap.Error(err))
			}
		}()
	}

	started := r.Clock.Now()
	rep, err := s.Sweep(ctx)
	finished := r.Clock.Now()

	metrics.SweepDuration.WithLabelValues(name).Observe(finished.Sub(started).Seconds())
	if rep.Failed > 0 {
		metrics.SweepFailedAccounts.WithLabelValues(name).Add(float64(rep.Failed))
	}

	fields := []zap.Field{
		zap.Int("pages", rep.Pages),
		zap.Int("processed", rep.Processed),
		zap.Int("renewed", rep.Renewed),
		zap.Int("suspended", rep.Suspended),
		zap.Int("disabled", rep.Disabled),
		zap.Int("removed", rep.Removed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("conflicts", rep.Conflicts),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", finished.Sub(started)),
	}
	if err != nil {
		metrics.SweepRuns.WithLabelValues(name, "failed").Inc()
		lg.Error("sweep failed", append(fields, zap.Error(err))...)
	} else {
		metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
		metrics.LastSweepSuccess.WithLabelValues(name).Set(float64(finished.Unix()))
		lg.Info("sweep done", fields...)
	}

	r.record(ctx, lg, rep, started, finished, err)

	if r.PushgatewayURL != "" {
		if perr := metrics.Push(r.PushgatewayURL, r.Job); perr != nil {
			lg.Warn("push metrics", zap.Error(perr))
		}
	}

	return rep, err
}

func (r *SweepRunner) record(ctx context.Context, lg *zap.Logger, rep lifecycle.Report, started, finished time.Time, sweepErr error) {
	if r.Runs == nil {
		return
	}
	run := model.SweepRun{
		ID:         util.NewIDAt(started),
		Sweeper:    rep.Sweeper,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Pages:      rep.Pages,
		Processed:  rep.Processed,
		Renewed:    rep.Renewed,
		Suspended:  rep.Suspended,
		Disabled:   rep.Disabled,
		Removed:    rep.Removed,
		Skipped:    rep.Skipped,
		Conflicts:  rep.Conflicts,
		Failed:     rep.Failed,
	}
	if sweepErr != nil {
		run.Error = sweepErr.Error()
	}
	if err := r.Runs.Insert(context.WithoutCancel(ctx), run); err != nil {
		lg.Warn("record sweep run", zap.Error(err))
	}
}
