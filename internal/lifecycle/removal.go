package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RemovalSweeper irrevocably deletes disabled accounts: payloads first, then
// the identity, then the record. Until the record is gone the account stays
// disabled and the next run retries the idempotent deletes.
type RemovalSweeper struct {
	cfg Config
	log *zap.Logger
}

func NewRemovalSweeper(cfg Config) (*RemovalSweeper, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &RemovalSweeper{
		cfg: cfg,
		log: cfg.Logger.With(zap.String("sweeper", SweeperRemoval)),
	}, nil
}

func (s *RemovalSweeper) Name() string { return SweeperRemoval }

// Sweep drains status_index for disabled accounts.
func (s *RemovalSweeper) Sweep(ctx context.Context) (Report, error) {
	rep := Report{Sweeper: SweeperRemoval}

	var errs error
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return rep, multierr.Append(errs, err)
		}
		page, err := s.cfg.Accounts.QueryByStatus(ctx, model.StatusDisabled, cursor, s.cfg.PageSize)
		if err != nil {
			return rep, multierr.Append(errs, fmt.Errorf("query disabled accounts: %w", err))
		}
		rep.Pages++

		for _, a := range page.Accounts {
			rep.Processed++
			if err := s.remove(ctx, a); err != nil {
				rep.Failed++
				err = fmt.Errorf("remove account %s: %w", a.AccountID, err)
				if !s.cfg.ContinueOnError {
					return rep, multierr.Append(errs, err)
				}
				s.log.Error("account removal failed", zap.String("account_id", a.AccountID), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			rep.Removed++
			metrics.AccountTransitions.WithLabelValues(SweeperRemoval, "remove").Inc()
		}
		for _, bad := range page.Invalid {
			rep.Processed++
			rep.Failed++
			if !s.cfg.ContinueOnError {
				return rep, multierr.Append(errs, bad)
			}
			s.log.Error("malformed account record skipped", zap.Error(bad))
			errs = multierr.Append(errs, bad)
		}

		if page.Next == "" {
			return rep, errs
		}
		cursor = page.Next
	}
}

func (s *RemovalSweeper) remove(ctx context.Context, a model.Account) error {
	objects, err := s.purgeObjects(ctx, a.AccountID)
	if err != nil {
		return fmt.Errorf("delete payloads: %w", err)
	}
	if err := s.cfg.Identity.Delete(ctx, a.Username); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if err := s.cfg.Accounts.Delete(ctx, a.AccountID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	now := s.cfg.Clock.Now().In(s.cfg.Location)
	if err := s.cfg.Events.Publish(ctx, newEvent(model.EventAccountRemoved, a, now)); err != nil {
		s.log.Warn("publish lifecycle event", zap.String("account_id", a.AccountID), zap.Error(err))
	}
	s.log.Info("account removed",
		zap.String("account_id", a.AccountID),
		zap.Int("objects", objects),
		zap.Time("disabled_until", time.UnixMilli(a.Expires)))
	return nil
}

// purgeObjects deletes everything under "<accountID>/", one listing page at
// a time, following the continuation token while the listing is truncated.
func (s *RemovalSweeper) purgeObjects(ctx context.Context, accountID string) (int, error) {
	prefix := accountID + "/"
	deleted := 0
	token := ""
	for {
		listing, err := s.cfg.Objects.ListByPrefix(ctx, prefix, token)
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(listing.Keys) > 0 {
			if err := s.cfg.Objects.DeleteBatch(ctx, listing.Keys); err != nil {
				return deleted, fmt.Errorf("delete batch under %s: %w", prefix, err)
			}
			deleted += len(listing.Keys)
		}
		if !listing.Truncated {
			return deleted, nil
		}
		if listing.NextToken == "" {
			return deleted, fmt.Errorf("list %s: truncated listing without continuation token", prefix)
		}
		token = listing.NextToken
	}
}
