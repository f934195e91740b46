package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/jmoiron/sqlx"
)

// CreditLedgerRepository records applied payments so a redelivered payment
// never credits an account twice.
type CreditLedgerRepository interface {
	ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error)
	InsertCredit(ctx context.Context, tx *sqlx.Tx, accountID string, times int, idem string) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]model.CreditEntry, error)
}

type creditLedgerRepo struct {
	db *sqlx.DB
}

func NewCreditLedgerRepository(db *sqlx.DB) CreditLedgerRepository { return &creditLedgerRepo{db: db} }

// ExistsByIdem checks if a ledger row with the given idempotency key already exists.
func (r *creditLedgerRepo) ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error) {
	var one int
	err := tx.QueryRowxContext(ctx,
		`SELECT 1 FROM credit_ledger WHERE idempotency_key = ? LIMIT 1 FOR UPDATE`, idem,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *creditLedgerRepo) InsertCredit(ctx context.Context, tx *sqlx.Tx, accountID string, times int, idem string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (account_id, times, idempotency_key, created_at)
		VALUES (?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE id = id
	`, accountID, times, idem)
	return err
}

func (r *creditLedgerRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]model.CreditEntry, error) {
	var rows []model.CreditEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, times, idempotency_key, created_at
		  FROM credit_ledger
		 WHERE account_id = ?
		 ORDER BY id DESC
		 LIMIT ?
	`, accountID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return rows, nil
}
