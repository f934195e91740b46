package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/kafka"
	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/diamory/diamory-backend/internal/util"
)

var errInvalidCredit = errors.New("invalid credit envelope")

// MessageSource is the consumer side of the credits topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// CreditApplier applies one credit. It reports applied=false for a payment
// that was already booked.
type CreditApplier interface {
	Apply(ctx context.Context, env model.CreditEnvelope) (applied bool, err error)
}

// SQLCreditApplier books the ledger row and the account increment in one
// transaction.
type SQLCreditApplier struct {
	DB       *sqlx.DB
	Ledger   repository.CreditLedgerRepository
	Accounts repository.AccountsRepository
}

func idemKey(paymentID string) string { return "credit-" + paymentID }

func (a *SQLCreditApplier) Apply(ctx context.Context, env model.CreditEnvelope) (bool, error) {
	tx, err := a.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	idem := idemKey(env.ID)
	exists, err := a.Ledger.ExistsByIdem(ctx, tx, idem)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := a.Ledger.InsertCredit(ctx, tx, env.AccountID, env.Times, idem); err != nil {
		return false, fmt.Errorf("insert ledger: %w", err)
	}
	if err := a.Accounts.AddCredits(ctx, tx, env.AccountID, env.Times); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CreditsWorker consumes payment envelopes and tops up accounts.
type CreditsWorker struct {
	// Dependencies
	Source  MessageSource
	Applier CreditApplier
	Events  lifecycle.EventPublisher // optional
	Clock   clock.Clock
	Logger  *zap.Logger

	// Behavior
	RetryWait time.Duration
}

func NewCreditsWorker(src MessageSource, applier CreditApplier, lg *zap.Logger) *CreditsWorker {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &CreditsWorker{
		Source:    src,
		Applier:   applier,
		Clock:     clock.WallClock,
		Logger:    lg,
		RetryWait: 200 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled. Messages are processed one at a time
// and committed only after they were applied or rejected for good.
func (w *CreditsWorker) Run(ctx context.Context) error {
	if w.Source == nil || w.Applier == nil {
		return errors.New("credits: missing source or applier")
	}
	if w.Clock == nil {
		w.Clock = clock.WallClock
	}

	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Warn("kafka fetch", zap.Error(err))
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		for {
			err := w.processOne(ctx, m)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Warn("apply credit, retrying", zap.Int64("offset", m.Offset), zap.Error(err))
			if !w.sleep(ctx) {
				return nil
			}
		}

		if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			w.Logger.Warn("kafka commit", zap.Error(err))
		}
	}
}

func (w *CreditsWorker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.Clock.After(w.RetryWait):
		return true
	}
}

// processOne returns an error only for failures worth retrying.
func (w *CreditsWorker) processOne(ctx context.Context, m kafka.Message) error {
	env, err := decodeCredit(m.Value)
	if err != nil {
		metrics.CreditsApplied.WithLabelValues("invalid").Inc()
		w.Logger.Warn("poison credit message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	lg := w.Logger.With(zap.String("payment_id", env.ID), zap.String("account_id", env.AccountID))

	applied, err := w.Applier.Apply(ctx, env)
	switch {
	case errors.Is(err, repository.ErrNotCreditable):
		metrics.CreditsApplied.WithLabelValues("rejected").Inc()
		lg.Warn("credit rejected, account missing or disabled")
		return nil
	case err != nil:
		return err
	case !applied:
		metrics.CreditsApplied.WithLabelValues("duplicate").Inc()
		lg.Info("credit already applied")
		return nil
	}

	metrics.CreditsApplied.WithLabelValues("applied").Inc()
	lg.Info("credit applied", zap.Int("times", env.Times))

	if w.Events != nil {
		now := w.Clock.Now()
		ev := model.LifecycleEvent{
			ID:        util.NewIDAt(now),
			Type:      model.EventAccountCredited,
			AccountID: env.AccountID,
			Times:     env.Times,
			At:        now.UTC(),
		}
		if err := w.Events.Publish(ctx, ev); err != nil {
			lg.Warn("publish credited event", zap.Error(err))
		}
	}
	return nil
}

func decodeCredit(b []byte) (model.CreditEnvelope, error) {
	var env model.CreditEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errInvalidCredit, err)
	}
	env.ID = strings.TrimSpace(env.ID)
	env.AccountID = strings.TrimSpace(env.AccountID)
	switch {
	case env.ID == "":
		return env, fmt.Errorf("%w: missing id", errInvalidCredit)
	case env.AccountID == "":
		return env, fmt.Errorf("%w: missing account_id", errInvalidCredit)
	case env.Times <= 0:
		return env, fmt.Errorf("%w: times must be positive, got %d", errInvalidCredit, env.Times)
	}
	return env, nil
}
