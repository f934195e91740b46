package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000

	mysqlDuplicateEntry = 1062
)

var (
	// ErrConflict means the row no longer matches the revision a write was
	// based on.
	ErrConflict      = errors.New("account changed concurrently")
	ErrBadCursor     = errors.New("malformed page cursor")
	ErrNotCreditable = errors.New("account missing or disabled")
)

// AccountsRepository defines persistence for the accounts table and its two
// secondary indexes: expires_index (v, expires) and status_index (v, status).
type AccountsRepository interface {
	Get(ctx context.Context, accountID string) (model.Account, error)
	Insert(ctx context.Context, a model.Account) error
	QueryExpiredBefore(ctx context.Context, nowMs int64, cursor string, limit int) (model.AccountPage, error)
	QueryByStatus(ctx context.Context, status model.AccountStatus, cursor string, limit int) (model.AccountPage, error)
	// Update writes upd only if the row still matches expect.
	Update(ctx context.Context, accountID string, expect model.Revision, upd model.AccountUpdate) error
	Delete(ctx context.Context, accountID string) error
	// AddCredits increments times inside tx (or its own tx when nil).
	AddCredits(ctx context.Context, tx *sqlx.Tx, accountID string, times int) error
}

type AccountsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{db: db}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

const accountColumns = `account_id, v, username, status, suspended, times, trial, expires`

func (r *AccountsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *AccountsRepositoryImpl) Get(ctx context.Context, accountID string) (model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT `+accountColumns+`
		  FROM accounts
		 WHERE v = ? AND account_id = ? LIMIT 1
	`, model.AccountVersion, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, model.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, err
	}
	if err := a.Validate(); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

// Insert writes a new account; an existing account_id yields ErrAccountExists.
func (r *AccountsRepositoryImpl) Insert(ctx context.Context, a model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts
		    (`+accountColumns+`)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.AccountID, a.Version, a.Username, a.Status.String(), a.Suspended, a.Times, a.Trial, a.Expires)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return model.ErrAccountExists
	}
	return err
}

// QueryExpiredBefore pages expires_index for rows with expires < nowMs in
// (expires, account_id) order.
func (r *AccountsRepositoryImpl) QueryExpiredBefore(ctx context.Context, nowMs int64, cursor string, limit int) (model.AccountPage, error) {
	limit = clampLimit(limit)
	cur, ok, err := decodeCursor(cursor)
	if err != nil {
		return model.AccountPage{}, err
	}

	q := `
		SELECT ` + accountColumns + `
		  FROM accounts
		 WHERE v = ? AND expires < ?
	`
	args := []any{model.AccountVersion, nowMs}
	if ok {
		q += " AND (expires > ? OR (expires = ? AND account_id > ?))"
		args = append(args, cur.Expires, cur.Expires, cur.AccountID)
	}
	q += " ORDER BY expires, account_id LIMIT ?"
	args = append(args, limit+1)

	return r.page(ctx, q, args, limit, func(a model.Account) pageCursor {
		return pageCursor{Expires: a.Expires, AccountID: a.AccountID}
	})
}

// QueryByStatus pages status_index for one status in account_id order.
func (r *AccountsRepositoryImpl) QueryByStatus(ctx context.Context, status model.AccountStatus, cursor string, limit int) (model.AccountPage, error) {
	if !status.Valid() {
		return model.AccountPage{}, fmt.Errorf("query by status: invalid status %q", status)
	}
	limit = clampLimit(limit)
	cur, ok, err := decodeCursor(cursor)
	if err != nil {
		return model.AccountPage{}, err
	}

	q := `
		SELECT ` + accountColumns + `
		  FROM accounts
		 WHERE v = ? AND status = ?
	`
	args := []any{model.AccountVersion, status.String()}
	if ok {
		q += " AND account_id > ?"
		args = append(args, cur.AccountID)
	}
	q += " ORDER BY account_id LIMIT ?"
	args = append(args, limit+1)

	return r.page(ctx, q, args, limit, func(a model.Account) pageCursor {
		return pageCursor{AccountID: a.AccountID}
	})
}

// page runs a keyset query fetched with limit+1 rows; the extra row only
// signals that another page exists.
func (r *AccountsRepositoryImpl) page(ctx context.Context, q string, args []any, limit int, next func(model.Account) pageCursor) (model.AccountPage, error) {
	var rows []model.Account
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return model.AccountPage{}, err
	}

	var p model.AccountPage
	if len(rows) > limit {
		rows = rows[:limit]
		p.Next = encodeCursor(next(rows[len(rows)-1]))
	}
	p.Accounts = make([]model.Account, 0, len(rows))
	for _, a := range rows {
		if err := a.Validate(); err != nil {
			p.Invalid = append(p.Invalid, err)
			continue
		}
		p.Accounts = append(p.Accounts, a)
	}
	return p, nil
}

func (r *AccountsRepositoryImpl) Update(ctx context.Context, accountID string, expect model.Revision, upd model.AccountUpdate) error {
	if upd.Empty() {
		return nil
	}

	sets := make([]string, 0, 5)
	args := make([]any, 0, 11)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, upd.Status.String())
	}
	if upd.Suspended != nil {
		sets = append(sets, "suspended = ?")
		args = append(args, *upd.Suspended)
	}
	if upd.Times != nil {
		sets = append(sets, "times = ?")
		args = append(args, *upd.Times)
	}
	if upd.Trial != nil {
		sets = append(sets, "trial = ?")
		args = append(args, *upd.Trial)
	}
	if upd.Expires != nil {
		sets = append(sets, "expires = ?")
		args = append(args, *upd.Expires)
	}

	q := `UPDATE accounts SET ` + strings.Join(sets, ", ") + `
		 WHERE v = ? AND account_id = ?
		   AND status = ? AND suspended = ? AND times = ? AND expires = ?`
	args = append(args, model.AccountVersion, accountID,
		expect.Status.String(), expect.Suspended, expect.Times, expect.Expires)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// MySQL reports changed rows, not matched rows: tell a no-op write apart
	// from a lost race.
	cur, err := r.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if cur.Revision() == expect {
		return nil
	}
	return ErrConflict
}

func (r *AccountsRepositoryImpl) Delete(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE v = ? AND account_id = ?`, model.AccountVersion, accountID)
	return err
}

func (r *AccountsRepositoryImpl) AddCredits(ctx context.Context, tx *sqlx.Tx, accountID string, times int) error {
	if times <= 0 {
		return fmt.Errorf("add credits: non-positive amount %d", times)
	}
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			   SET times = times + ?
			 WHERE v = ? AND account_id = ? AND status <> ?
		`, times, model.AccountVersion, accountID, model.StatusDisabled.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotCreditable
		}
		return nil
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
