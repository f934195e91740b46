package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/lock"
	"github.com/diamory/diamory-backend/internal/model"
)

type fakeSweeper struct {
	name  string
	rep   lifecycle.Report
	err   error
	calls int
}

func (f *fakeSweeper) Name() string { return f.name }
func (f *fakeSweeper) Sweep(context.Context) (lifecycle.Report, error) {
	f.calls++
	return f.rep, f.err
}

type fakeRuns struct{ runs []model.SweepRun }

func (f *fakeRuns) Insert(_ context.Context, run model.SweepRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRuns) ListRecent(context.Context, string, int) ([]model.SweepRun, error) {
	return f.runs, nil
}

type leaseStore struct{ held map[string]string }

func (s *leaseStore) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, ok := s.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	s.held[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (s *leaseStore) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	if s.held[keys[0]] == args[0] {
		delete(s.held, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

var t0 = time.Date(2021, 3, 4, 12, 0, 0, 0, time.UTC)

func TestSweepRunnerRecordsRun(t *testing.T) {
	runs := &fakeRuns{}
	r := NewSweepRunner(testclock.NewClock(t0), nil)
	r.Runs = runs

	s := &fakeSweeper{name: "expiration", rep: lifecycle.Report{Sweeper: "expiration", Pages: 2, Processed: 3, Renewed: 1, Suspended: 2}}
	rep, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)

	require.Len(t, runs.runs, 1)
	run := runs.runs[0]
	assert.Equal(t, "expiration", run.Sweeper)
	assert.Equal(t, 2, run.Suspended)
	assert.Equal(t, t0, run.StartedAt)
	assert.Empty(t, run.Error)
	assert.NotEmpty(t, run.ID)
}

func TestSweepRunnerPropagatesError(t *testing.T) {
	runs := &fakeRuns{}
	r := NewSweepRunner(testclock.NewClock(t0), nil)
	r.Runs = runs

	boom := errors.New("query failed")
	_, err := r.Run(context.Background(), &fakeSweeper{name: "removal", rep: lifecycle.Report{Sweeper: "removal"}, err: boom})
	assert.ErrorIs(t, err, boom)
	require.Len(t, runs.runs, 1)
	assert.Equal(t, "query failed", runs.runs[0].Error)
}

func TestSweepRunnerSkipsWhenLeaseHeld(t *testing.T) {
	st := &leaseStore{held: map[string]string{}}
	r := NewSweepRunner(testclock.NewClock(t0), nil)
	r.Locker = lock.NewLocker(st, "l:")

	st.held["l:expiration"] = "someone-else"
	s := &fakeSweeper{name: "expiration"}
	rep, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 0, s.calls)
	assert.Equal(t, "expiration", rep.Sweeper)

	delete(st.held, "l:expiration")
	_, err = r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
	assert.Empty(t, st.held, "lease released after the run")
}
