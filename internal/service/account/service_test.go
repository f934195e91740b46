package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository/repotest"
)

type mockIdentity struct{ mock.Mock }

func (m *mockIdentity) LookupEmail(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *mockIdentity) Disable(ctx context.Context, username string) error {
	return m.Called(ctx, username).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Send(ctx context.Context, mail model.Mail) error {
	return m.Called(ctx, mail).Error(0)
}

var now = time.Date(2021, 3, 4, 12, 0, 0, 0, time.UTC)

func newService(repo *repotest.Accounts, id *mockIdentity, n *mockNotifier) *Service {
	return New(repo, id, n, testclock.NewClock(now), time.UTC, nil)
}

func trialAccount(mut func(*model.Account)) model.Account {
	a := model.NewTrialAccount("acc-1", "testuser", now.Add(24*time.Hour))
	if mut != nil {
		mut(&a)
	}
	return a
}

func TestCreate(t *testing.T) {
	repo := repotest.NewAccounts()
	id := &mockIdentity{}
	n := &mockNotifier{}
	id.On("LookupEmail", mock.Anything, "testuser").Return("testuser@mail.de", nil)
	n.On("Send", mock.Anything, mock.MatchedBy(func(m model.Mail) bool { return m.To == "testuser@mail.de" })).Return(nil)

	a, err := newService(repo, id, n).Create(context.Background(), "acc-1", "testuser")
	require.NoError(t, err)

	stored, ok := repo.Row("acc-1")
	require.True(t, ok)
	assert.Equal(t, a, stored)
	assert.Equal(t, model.StatusActive, a.Status)
	assert.True(t, a.Trial)
	assert.Zero(t, a.Times)
	assert.Equal(t, now.Add(30*24*time.Hour).UnixMilli(), a.Expires)
	n.AssertExpectations(t)
}

func TestCreateExisting(t *testing.T) {
	repo := repotest.NewAccounts(trialAccount(nil))
	_, err := newService(repo, &mockIdentity{}, &mockNotifier{}).Create(context.Background(), "acc-1", "testuser")
	assert.ErrorIs(t, err, model.ErrAccountExists)
}

func TestCreateMailFailureKeepsAccount(t *testing.T) {
	repo := repotest.NewAccounts()
	id := &mockIdentity{}
	n := &mockNotifier{}
	id.On("LookupEmail", mock.Anything, "testuser").Return("testuser@mail.de", nil)
	n.On("Send", mock.Anything, mock.Anything).Return(errors.New("ses down"))

	_, err := newService(repo, id, n).Create(context.Background(), "acc-1", "testuser")
	require.NoError(t, err)
	_, ok := repo.Row("acc-1")
	assert.True(t, ok)
}

func TestCreateRejectsBlankIDs(t *testing.T) {
	_, err := newService(repotest.NewAccounts(), &mockIdentity{}, &mockNotifier{}).Create(context.Background(), " ", "testuser")
	assert.ErrorIs(t, err, model.ErrInvalidAccount)
}

func TestSkipTrial(t *testing.T) {
	repo := repotest.NewAccounts(trialAccount(func(a *model.Account) { a.Times = 2 }))

	a, err := newService(repo, &mockIdentity{}, &mockNotifier{}).SkipTrial(context.Background(), "acc-1")
	require.NoError(t, err)

	stored, _ := repo.Row("acc-1")
	assert.Equal(t, a, stored)
	assert.Equal(t, 1, a.Times)
	assert.False(t, a.Trial)
	assert.Equal(t, time.Date(2021, 4, 3, 23, 59, 0, 0, time.UTC).UnixMilli(), a.Expires)
}

func TestSkipTrialRejections(t *testing.T) {
	cases := []struct {
		name string
		rows []model.Account
		want error
	}{
		{"unknown", nil, model.ErrAccountNotFound},
		{"no credits", []model.Account{trialAccount(nil)}, ErrNotPaidEnough},
		{"not trial", []model.Account{trialAccount(func(a *model.Account) { a.Times, a.Trial = 1, false })}, ErrNotTrial},
		{"disabled", []model.Account{trialAccount(func(a *model.Account) {
			a.Times, a.Status = 1, model.StatusDisabled
		})}, ErrInvalidStatus},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			repo := repotest.NewAccounts(c.rows...)
			_, err := newService(repo, &mockIdentity{}, &mockNotifier{}).SkipTrial(context.Background(), "acc-1")
			assert.ErrorIs(t, err, c.want)
			assert.Zero(t, repo.Updates)
		})
	}
}

func TestDisable(t *testing.T) {
	repo := repotest.NewAccounts(trialAccount(nil))
	id := &mockIdentity{}
	id.On("Disable", mock.Anything, "testuser").Return(nil)

	require.NoError(t, newService(repo, id, &mockNotifier{}).Disable(context.Background(), "acc-1"))
	id.AssertExpectations(t)

	stored, _ := repo.Row("acc-1")
	assert.Equal(t, model.StatusActive, stored.Status, "record left to the sweepers")
}

func TestDisableUnknown(t *testing.T) {
	_, err := newService(repotest.NewAccounts(), &mockIdentity{}, &mockNotifier{}).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
	assert.ErrorIs(t, newService(repotest.NewAccounts(), &mockIdentity{}, &mockNotifier{}).Disable(context.Background(), "nope"), model.ErrAccountNotFound)
}
