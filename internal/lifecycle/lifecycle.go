// Package lifecycle moves accounts through trial expiry, renewal, graduated
// suspension, disablement and removal. Both sweepers are run-to-completion
// batch jobs: they drain their index page by page and transition each
// matching account sequentially.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/objectstore"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	SweeperExpiration = "expiration"
	SweeperRemoval    = "removal"
)

// IdentityService is the user directory backing each account.
type IdentityService interface {
	LookupEmail(ctx context.Context, username string) (string, error)
	Disable(ctx context.Context, username string) error
	// Delete must treat an already missing identity as success.
	Delete(ctx context.Context, username string) error
}

// Notifier delivers one mail.
type Notifier interface {
	Send(ctx context.Context, mail model.Mail) error
}

// ObjectStore holds the encrypted payloads, keyed "<accountId>/...".
type ObjectStore interface {
	ListByPrefix(ctx context.Context, prefix, token string) (objectstore.Listing, error)
	DeleteBatch(ctx context.Context, keys []string) error
}

// EventPublisher receives committed transitions. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.LifecycleEvent) error
}

// Config holds the collaborators shared by both sweepers.
type Config struct {
	Accounts repository.AccountsRepository
	Identity IdentityService
	Notifier Notifier
	Objects  ObjectStore    // removal only
	Events   EventPublisher // optional
	Clock    clock.Clock
	Location *time.Location // zone the 23:59 deadlines are pinned in
	Logger   *zap.Logger

	PageSize int
	// ContinueOnError isolates per-account failures: the sweep carries on and
	// returns every failure combined. When false the first failure aborts
	// the run.
	ContinueOnError bool
}

func (c Config) validate(needObjects bool) error {
	switch {
	case c.Accounts == nil:
		return errors.New("lifecycle: nil Accounts")
	case c.Identity == nil:
		return errors.New("lifecycle: nil Identity")
	case c.Clock == nil:
		return errors.New("lifecycle: nil Clock")
	case needObjects && c.Objects == nil:
		return errors.New("lifecycle: nil Objects")
	case !needObjects && c.Notifier == nil:
		return errors.New("lifecycle: nil Notifier")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = nopPublisher{}
	}
	if c.PageSize <= 0 {
		c.PageSize = repository.DefaultPageSize
	}
	return c
}

// Report counts what one sweep did.
type Report struct {
	Sweeper   string
	Pages     int
	Processed int
	Renewed   int
	Suspended int
	Disabled  int
	Removed   int
	Skipped   int
	Conflicts int
	Failed    int
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.LifecycleEvent) error { return nil }

// skippable reports errors that mean another writer got to the account first.
func skippable(err error) bool {
	return errors.Is(err, repository.ErrConflict) || errors.Is(err, model.ErrAccountNotFound)
}
