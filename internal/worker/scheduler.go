package worker

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler triggers each job on its own fixed interval. Runs of one job
// never overlap; a failed run is logged and retried on the next tick.
type Scheduler struct {
	Clock  clock.Clock
	Logger *zap.Logger
	Jobs   []Job
}

// Run blocks until ctx is cancelled and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	lg := s.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	var wg sync.WaitGroup
	for _, j := range s.Jobs {
		if j.Interval <= 0 || j.Run == nil {
			lg.Warn("job disabled", zap.String("job", j.Name))
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			lg.Info("job scheduled", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
			for {
				select {
				case <-ctx.Done():
					return
				case <-clk.After(j.Interval):
				}
				if err := j.Run(ctx); err != nil && ctx.Err() == nil {
					lg.Error("job failed", zap.String("job", j.Name), zap.Error(err))
				}
			}
		}(j)
	}

	wg.Wait()
	return nil
}
