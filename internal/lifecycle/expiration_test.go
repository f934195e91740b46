package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/diamory/diamory-backend/internal/identity"
	"github.com/diamory/diamory-backend/internal/model"
)

func TestRenewScenario(t *testing.T) {
	e := newEnv(account("acc-1", func(a *model.Account) { a.Times = 1 }))

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Renewed)

	got := e.row(t, "acc-1")
	assert.Equal(t, 0, got.Times)
	assert.Equal(t, time.Date(2021, 4, 3, 23, 59, 0, 0, berlin).UnixMilli(), got.Expires)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Zero(t, got.Suspended)
	assert.False(t, got.Trial)
	assert.Empty(t, e.notifier.mails)
	require.Len(t, e.events.events, 1)
	assert.Equal(t, model.EventAccountRenewed, e.events.events[0].Type)
}

func TestRenewResetsSuspensionAndTrial(t *testing.T) {
	e := newEnv(
		account("suspended", func(a *model.Account) {
			a.Times, a.Suspended, a.Status = 3, model.MaxSuspension, model.StatusSuspended
		}),
		account("trial", func(a *model.Account) { a.Times, a.Trial = 2, true }),
	)

	_, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)

	for id, times := range map[string]int{"suspended": 2, "trial": 1} {
		got := e.row(t, id)
		assert.Equal(t, times, got.Times, id)
		assert.Equal(t, model.StatusActive, got.Status, id)
		assert.Zero(t, got.Suspended, id)
		assert.False(t, got.Trial, id)
	}
	assert.Zero(t, e.identity.disabled["user-suspended"])
}

func TestSuspendScenario(t *testing.T) {
	e := newEnv(account("acc-1"))

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Suspended)

	got := e.row(t, "acc-1")
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Equal(t, 1, got.Suspended)
	assert.Equal(t, time.Date(2021, 3, 10, 23, 59, 0, 0, berlin).UnixMilli(), got.Expires)

	require.Len(t, e.notifier.mails, 1)
	assert.Equal(t, "user-acc-1@mail.de", e.notifier.mails[0].To)
	assert.Contains(t, e.notifier.mails[0].Subject, "in 14 Tagen")
}

func TestSuspendEveryLevel(t *testing.T) {
	for level := 0; level < model.MaxSuspension; level++ {
		t.Run(fmt.Sprintf("level %d", level), func(t *testing.T) {
			e := newEnv(account("acc-1", func(a *model.Account) {
				a.Suspended = level
				if level > 0 {
					a.Status = model.StatusSuspended
				}
			}))

			_, err := e.expiration(t).Sweep(context.Background())
			require.NoError(t, err)

			got := e.row(t, "acc-1")
			assert.Equal(t, level+1, got.Suspended)
			assert.Equal(t, SuspensionDeadline(now, OffsetDays(level)).UnixMilli(), got.Expires)
			require.Len(t, e.notifier.mails, 1)
			assert.Contains(t, e.notifier.mails[0].Subject, fmt.Sprintf("in %d Tagen", WarnDays(level)))
		})
	}
}

func TestDisableScenario(t *testing.T) {
	e := newEnv(account("acc-1", func(a *model.Account) {
		a.Suspended, a.Status = model.MaxSuspension, model.StatusSuspended
	}))

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Disabled)

	got := e.row(t, "acc-1")
	assert.Equal(t, model.StatusDisabled, got.Status)
	assert.Greater(t, got.Expires, now.UnixMilli())
	assert.LessOrEqual(t, got.Expires, now.Add(time.Hour).UnixMilli())
	assert.Equal(t, 1, e.identity.disabled["user-acc-1"])
	require.Len(t, e.notifier.mails, 1)
	assert.Equal(t, "Account wurde gelöscht", e.notifier.mails[0].Subject)

	// email is looked up before anything is written
	assert.Equal(t, []string{"lookup user-acc-1", "disable user-acc-1", "mail user-acc-1@mail.de"}, e.log.calls)
}

func TestTrialExpiryDisables(t *testing.T) {
	e := newEnv(account("acc-1", func(a *model.Account) { a.Trial = true }))

	_, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisabled, e.row(t, "acc-1").Status)
	assert.Equal(t, 1, e.identity.disabled["user-acc-1"])
	assert.Len(t, e.notifier.mails, 1)
}

func TestRerunIsIdempotent(t *testing.T) {
	e := newEnv(
		account("renew", func(a *model.Account) { a.Times = 1 }),
		account("suspend"),
		account("disable", func(a *model.Account) { a.Trial = true }),
	)
	s := e.expiration(t)

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	updates := e.accounts.Updates
	mails := len(e.notifier.mails)

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Equal(t, updates, e.accounts.Updates)
	assert.Len(t, e.notifier.mails, mails)

	// once the guard has passed the disabled account is due again, but it
	// is left to the removal sweeper
	e.clock.Advance(2 * time.Hour)
	rep, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, e.identity.disabled["user-disable"])
	assert.Len(t, e.notifier.mails, mails)
}

func TestCursorIsForwarded(t *testing.T) {
	var rows []model.Account
	for i := 0; i < 5; i++ {
		rows = append(rows, account(fmt.Sprintf("acc-%d", i), func(a *model.Account) {
			a.Times = 1
			a.Expires -= int64(i)
		}))
	}
	e := newEnv(rows...)

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, 5, rep.Renewed)

	require.Len(t, e.accounts.Cursors, 3)
	assert.Empty(t, e.accounts.Cursors[0])
	assert.NotEmpty(t, e.accounts.Cursors[1])
	assert.NotEqual(t, e.accounts.Cursors[1], e.accounts.Cursors[2])
}

func TestFailedAccountIsNotReread(t *testing.T) {
	e := newEnv(
		account("a-bad", func(a *model.Account) { a.Expires -= 10 }),
		account("b"), account("c"), account("d"),
	)
	boom := errors.New("throttled")
	e.accounts.UpdateErr["a-bad"] = boom

	rep, err := e.expiration(t, func(c *Config) { c.ContinueOnError = true }).Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, rep.Suspended)
	assert.Equal(t, 2, rep.Pages)
	assert.Len(t, multierr.Errors(err), 1)
}

func TestAbortOnFirstError(t *testing.T) {
	e := newEnv(
		account("a-bad", func(a *model.Account) { a.Expires -= 10 }),
		account("b"),
	)
	boom := errors.New("throttled")
	e.accounts.UpdateErr["a-bad"] = boom

	rep, err := e.expiration(t).Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, model.StatusActive, e.row(t, "b").Status, "rest of the run is abandoned")
}

func TestMalformedRecordIsIsolated(t *testing.T) {
	e := newEnv(
		account("a-bad", func(a *model.Account) { a.Username = "" }),
		account("b", func(a *model.Account) { a.Times = 1 }),
		account("c"), account("d"),
	)
	sweep := e.expiration(t, func(c *Config) { c.ContinueOnError = true })

	rep, err := sweep.Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidAccount)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, 4, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Renewed)
	assert.Equal(t, 2, rep.Suspended)
	assert.Equal(t, 2, rep.Pages)
	assert.Equal(t, 0, e.row(t, "b").Times)

	// the bad row keeps failing on its own; nothing else is due any more
	rep, err = sweep.Sweep(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidAccount)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Renewed+rep.Suspended+rep.Disabled)
}

func TestMalformedRecordAbortsByDefault(t *testing.T) {
	e := newEnv(
		account("a-bad", func(a *model.Account) { a.Expires = 1; a.Suspended = 9 }),
		account("b"),
		account("c"),
	)

	rep, err := e.expiration(t).Sweep(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidAccount)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Pages)
	assert.Equal(t, model.StatusSuspended, e.row(t, "b").Status, "valid rows of the page are still handled")
	assert.Equal(t, model.StatusActive, e.row(t, "c").Status, "later pages are abandoned")
}

func TestNotifyFailureAfterCommitLosesWarning(t *testing.T) {
	e := newEnv(account("acc-1"))
	e.notifier.err = errors.New("ses down")
	s := e.expiration(t)

	rep, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, rep.Suspended)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, e.row(t, "acc-1").Suspended, "mutation stays committed")

	e.notifier.err = nil
	rep, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Empty(t, e.notifier.mails)
}

func TestLostRaceIsSkipped(t *testing.T) {
	e := newEnv(account("acc-1"))
	// a payment lands between the read and the write
	e.accounts.BeforeUpdate = func(id string) {
		a, _ := e.accounts.Row(id)
		a.Times = 1
		e.accounts.Put(a)
	}

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Zero(t, rep.Suspended)
	assert.Empty(t, e.notifier.mails)
	assert.Equal(t, 1, e.row(t, "acc-1").Times)
}

func TestOverlappingRunsDisableOnce(t *testing.T) {
	stale := account("acc-1", func(a *model.Account) { a.Trial = true })
	e := newEnv(stale)
	first := e.expiration(t)
	second := e.expiration(t)

	// the second run read the account before the first committed
	var raced bool
	e.accounts.BeforeUpdate = func(string) {
		if raced {
			return
		}
		raced = true
		e.accounts.BeforeUpdate = nil
		_, err := first.Sweep(context.Background())
		require.NoError(t, err)
	}

	rep, err := second.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, e.identity.disabled["user-acc-1"])
	assert.Len(t, e.notifier.mails, 1)
}

func TestMissingEmailLeavesAccountUntouched(t *testing.T) {
	e := newEnv(account("acc-1"))
	e.identity.lookupErr["user-acc-1"] = identity.ErrMissingEmail

	rep, err := e.expiration(t).Sweep(context.Background())
	assert.ErrorIs(t, err, identity.ErrMissingEmail)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, model.StatusActive, e.row(t, "acc-1").Status)
	assert.Zero(t, e.accounts.Updates)
}

func TestQueryErrorAborts(t *testing.T) {
	e := newEnv(account("acc-1"))
	boom := errors.New("connection reset")
	e.accounts.QueryErr = boom

	_, err := e.expiration(t, func(c *Config) { c.ContinueOnError = true }).Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestPublishFailureIsIgnored(t *testing.T) {
	e := newEnv(account("acc-1", func(a *model.Account) { a.Times = 1 }))
	e.events.err = errors.New("broker down")

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Renewed)
}

func TestCancelledContextStops(t *testing.T) {
	e := newEnv(account("acc-1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.expiration(t).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.accounts.Updates)
}

func TestUntouchedAccountsStay(t *testing.T) {
	future := account("future", func(a *model.Account) { a.Expires = now.Add(time.Hour).UnixMilli() })
	e := newEnv(future)

	rep, err := e.expiration(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.Equal(t, future, e.row(t, "future"))
}

func TestNewExpirationSweeperValidates(t *testing.T) {
	_, err := NewExpirationSweeper(Config{})
	assert.Error(t, err)

	e := newEnv()
	cfg := e.config()
	cfg.Notifier = nil
	_, err = NewExpirationSweeper(cfg)
	assert.Error(t, err)
}
