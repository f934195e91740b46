package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/notify"
	"github.com/diamory/diamory-backend/internal/repository"
)

var (
	ErrNotPaidEnough = errors.New("not paid enough")
	ErrNotTrial      = errors.New("account is not in trial")
	ErrInvalidStatus = errors.New("invalid account status")
)

type Identity interface {
	LookupEmail(ctx context.Context, username string) (string, error)
	Disable(ctx context.Context, username string) error
}

// Service implements the account operations a signed-in user triggers.
type Service struct {
	accounts repository.AccountsRepository
	identity Identity
	notifier lifecycle.Notifier
	clk      clock.Clock
	loc      *time.Location
	log      *zap.Logger
}

func New(
	accounts repository.AccountsRepository,
	identity Identity,
	notifier lifecycle.Notifier,
	clk clock.Clock,
	loc *time.Location,
	log *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{accounts: accounts, identity: identity, notifier: notifier, clk: clk, loc: loc, log: log}
}

// Create inserts a fresh trial account and sends the welcome mail. The
// mail is best effort: the account exists once the insert succeeded.
func (s *Service) Create(ctx context.Context, accountID, username string) (model.Account, error) {
	accountID = strings.TrimSpace(accountID)
	username = strings.TrimSpace(username)

	a := model.NewTrialAccount(accountID, username, lifecycle.TrialDeadline(s.clk.Now()))
	if err := a.Validate(); err != nil {
		return model.Account{}, err
	}
	if err := s.accounts.Insert(ctx, a); err != nil {
		return model.Account{}, err
	}

	lg := s.log.With(zap.String("account_id", accountID))
	email, err := s.identity.LookupEmail(ctx, username)
	if err != nil {
		lg.Warn("welcome mail skipped, no email", zap.Error(err))
		return a, nil
	}
	if err := s.notifier.Send(ctx, notify.WelcomeMail(email)); err != nil {
		lg.Warn("welcome mail failed", zap.Error(err))
	}
	return a, nil
}

// SkipTrial ends the trial early by spending one credit on the first
// renewal period.
func (s *Service) SkipTrial(ctx context.Context, accountID string) (model.Account, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}

	switch {
	case a.Times < 1:
		return model.Account{}, ErrNotPaidEnough
	case !a.Trial:
		return model.Account{}, ErrNotTrial
	case a.Status == model.StatusDisabled:
		return model.Account{}, fmt.Errorf("%w: %s", ErrInvalidStatus, a.Status)
	}

	upd := model.AccountUpdate{
		Times:   model.Ptr(a.Times - 1),
		Trial:   model.Ptr(false),
		Expires: model.Ptr(lifecycle.RenewalDeadline(s.clk.Now().In(s.loc)).UnixMilli()),
	}
	if err := s.accounts.Update(ctx, accountID, a.Revision(), upd); err != nil {
		return model.Account{}, err
	}
	return a.Apply(upd), nil
}

// Disable locks the user out. The record is left for the sweepers.
func (s *Service) Disable(ctx context.Context, accountID string) error {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.identity.Disable(ctx, a.Username); err != nil {
		return fmt.Errorf("disable identity %s: %w", a.Username, err)
	}
	s.log.Info("identity disabled", zap.String("account_id", accountID))
	return nil
}

func (s *Service) Get(ctx context.Context, accountID string) (model.Account, error) {
	return s.accounts.Get(ctx, accountID)
}
