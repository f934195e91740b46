package repository

import (
	"context"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/jmoiron/sqlx"
)

// SweepRunsRepository stores sweep outcomes in ClickHouse.
type SweepRunsRepository interface {
	Insert(ctx context.Context, run model.SweepRun) error
	ListRecent(ctx context.Context, sweeper string, limit int) ([]model.SweepRun, error)
}

type chSweepRunsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewSweepRunsRepository(ch *sqlx.DB) SweepRunsRepository {
	return &chSweepRunsRepository{ch: ch}
}

const sweepRunColumns = `id, sweeper, started_at, finished_at, pages, processed, renewed, suspended,
	       disabled, removed, skipped, conflicts, failed, error`

func (r *chSweepRunsRepository) Insert(ctx context.Context, run model.SweepRun) error {
	_, err := r.ch.NamedExecContext(ctx, `
		INSERT INTO diamory.sweep_runs (`+sweepRunColumns+`)
		VALUES (:id, :sweeper, :started_at, :finished_at, :pages, :processed, :renewed, :suspended,
		        :disabled, :removed, :skipped, :conflicts, :failed, :error)
	`, run)
	return err
}

func (r *chSweepRunsRepository) ListRecent(ctx context.Context, sweeper string, limit int) ([]model.SweepRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}

	q := `
		SELECT ` + sweepRunColumns + `
		FROM diamory.sweep_runs
	`
	args := []any{}
	if sweeper != "" {
		q += " WHERE sweeper = ?"
		args = append(args, sweeper)
	}
	q += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []model.SweepRun
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
