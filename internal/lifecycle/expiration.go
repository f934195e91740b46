package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/notify"
	"github.com/diamory/diamory-backend/internal/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ExpirationSweeper renews, suspends or disables every account whose expiry
// has passed.
type ExpirationSweeper struct {
	cfg Config
	log *zap.Logger
}

func NewExpirationSweeper(cfg Config) (*ExpirationSweeper, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &ExpirationSweeper{
		cfg: cfg,
		log: cfg.Logger.With(zap.String("sweeper", SweeperExpiration)),
	}, nil
}

func (s *ExpirationSweeper) Name() string { return SweeperExpiration }

// Sweep drains expires_index for expires < now, where now is read once at the
// start. The cursor is carried across pages, so an account that fails or
// loses a race is not read again within the same run.
func (s *ExpirationSweeper) Sweep(ctx context.Context) (Report, error) {
	rep := Report{Sweeper: SweeperExpiration}
	now := s.cfg.Clock.Now().In(s.cfg.Location)

	var errs error
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return rep, multierr.Append(errs, err)
		}
		page, err := s.cfg.Accounts.QueryExpiredBefore(ctx, now.UnixMilli(), cursor, s.cfg.PageSize)
		if err != nil {
			return rep, multierr.Append(errs, fmt.Errorf("query expired accounts: %w", err))
		}
		rep.Pages++

		for _, a := range page.Accounts {
			rep.Processed++
			t, committed, err := s.transition(ctx, a, now)
			if committed {
				rep.count(t)
				metrics.AccountTransitions.WithLabelValues(SweeperExpiration, t.String()).Inc()
			}
			switch {
			case err == nil:
			case skippable(err):
				rep.Conflicts++
				s.log.Info("account changed concurrently, skipped",
					zap.String("account_id", a.AccountID), zap.Stringer("transition", t))
			default:
				rep.Failed++
				err = fmt.Errorf("account %s (%s): %w", a.AccountID, t, err)
				if !s.cfg.ContinueOnError {
					return rep, multierr.Append(errs, err)
				}
				s.log.Error("account transition failed", zap.String("account_id", a.AccountID), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
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

// transition applies one account's transition. committed is true once the
// record write succeeded, even if a later step failed.
func (s *ExpirationSweeper) transition(ctx context.Context, a model.Account, now time.Time) (Transition, bool, error) {
	t := Decide(a)
	log := s.log.With(zap.String("account_id", a.AccountID), zap.Stringer("transition", t))

	switch t {
	case TransitionRenew:
		upd := Plan(a, t, now)
		if err := s.cfg.Accounts.Update(ctx, a.AccountID, a.Revision(), upd); err != nil {
			return t, false, fmt.Errorf("renew: %w", err)
		}
		s.publish(ctx, model.EventAccountRenewed, a.Apply(upd), now)
		log.Info("account renewed", zap.Int("times", *upd.Times), zap.Time("expires", time.UnixMilli(*upd.Expires)))
		return t, true, nil

	case TransitionDisable:
		email, err := s.cfg.Identity.LookupEmail(ctx, a.Username)
		if err != nil {
			return t, false, fmt.Errorf("lookup email: %w", err)
		}
		upd := Plan(a, t, now)
		if err := s.cfg.Accounts.Update(ctx, a.AccountID, a.Revision(), upd); err != nil {
			return t, false, fmt.Errorf("disable account: %w", err)
		}
		// the conditional write above is the claim: only one run gets here
		if err := s.cfg.Identity.Disable(ctx, a.Username); err != nil {
			return t, true, fmt.Errorf("disable identity: %w", err)
		}
		s.publish(ctx, model.EventAccountDisabled, a.Apply(upd), now)
		if err := s.cfg.Notifier.Send(ctx, notify.RemovalMail(email)); err != nil {
			return t, true, fmt.Errorf("send removal notice: %w", err)
		}
		log.Info("account disabled", zap.Bool("trial", a.Trial), zap.Int("suspended", a.Suspended))
		return t, true, nil

	case TransitionSuspend:
		email, err := s.cfg.Identity.LookupEmail(ctx, a.Username)
		if err != nil {
			return t, false, fmt.Errorf("lookup email: %w", err)
		}
		upd := Plan(a, t, now)
		if err := s.cfg.Accounts.Update(ctx, a.AccountID, a.Revision(), upd); err != nil {
			return t, false, fmt.Errorf("suspend: %w", err)
		}
		s.publish(ctx, model.EventAccountSuspended, a.Apply(upd), now)
		// a failed send is not rolled back; this cycle's warning is lost
		days := WarnDays(a.Suspended)
		if err := s.cfg.Notifier.Send(ctx, notify.WarningMail(email, days)); err != nil {
			return t, true, fmt.Errorf("send warning: %w", err)
		}
		log.Info("account suspended", zap.Int("level", *upd.Suspended), zap.Int("days_remaining", days))
		return t, true, nil

	default:
		log.Debug("disabled account awaiting removal")
		return t, true, nil
	}
}

func (s *ExpirationSweeper) publish(ctx context.Context, typ model.EventType, a model.Account, now time.Time) {
	if err := s.cfg.Events.Publish(ctx, newEvent(typ, a, now)); err != nil {
		s.log.Warn("publish lifecycle event", zap.String("account_id", a.AccountID), zap.Error(err))
	}
}

func (r *Report) count(t Transition) {
	switch t {
	case TransitionRenew:
		r.Renewed++
	case TransitionDisable:
		r.Disabled++
	case TransitionSuspend:
		r.Suspended++
	default:
		r.Skipped++
	}
}

func newEvent(typ model.EventType, a model.Account, now time.Time) model.LifecycleEvent {
	return model.LifecycleEvent{
		ID:        util.NewIDAt(now),
		Type:      typ,
		AccountID: a.AccountID,
		Status:    a.Status,
		Suspended: a.Suspended,
		Times:     a.Times,
		Expires:   a.Expires,
		At:        now,
	}
}
