// Package repotest provides an in-memory AccountsRepository for tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/repository"
)

// Accounts keeps rows in a map and pages them in the same key order as the
// MySQL indexes. Hooks let tests inject failures and concurrent writers.
type Accounts struct {
	mu   sync.Mutex
	rows map[string]model.Account

	// Cursors records the cursor argument of every query call.
	Cursors []string
	Deleted []string
	Updates int

	QueryErr  error
	UpdateErr map[string]error
	DeleteErr map[string]error
	// BeforeUpdate runs with the lock released before the conditional write.
	BeforeUpdate func(accountID string)
}

var _ repository.AccountsRepository = (*Accounts)(nil)

func NewAccounts(rows ...model.Account) *Accounts {
	m := &Accounts{
		rows:      make(map[string]model.Account, len(rows)),
		UpdateErr: map[string]error{},
		DeleteErr: map[string]error{},
	}
	for _, a := range rows {
		m.rows[a.AccountID] = a
	}
	return m
}

// Put writes a row unconditionally.
func (m *Accounts) Put(a model.Account) {
	m.mu.Lock()
	m.rows[a.AccountID] = a
	m.mu.Unlock()
}

// Row returns the stored row and whether it exists.
func (m *Accounts) Row(accountID string) (model.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[accountID]
	return a, ok
}

func (m *Accounts) Get(_ context.Context, accountID string) (model.Account, error) {
	a, ok := m.Row(accountID)
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	return a, nil
}

func (m *Accounts) Insert(_ context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[a.AccountID]; ok {
		return model.ErrAccountExists
	}
	m.rows[a.AccountID] = a
	return nil
}

func (m *Accounts) QueryExpiredBefore(_ context.Context, nowMs int64, cursor string, limit int) (model.AccountPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cursors = append(m.Cursors, cursor)
	if m.QueryErr != nil {
		return model.AccountPage{}, m.QueryErr
	}

	afterExp, afterID, err := parseCursor(cursor)
	if err != nil {
		return model.AccountPage{}, err
	}

	var match []model.Account
	for _, a := range m.rows {
		if a.Version != model.AccountVersion || a.Expires >= nowMs {
			continue
		}
		if cursor != "" && (a.Expires < afterExp || (a.Expires == afterExp && a.AccountID <= afterID)) {
			continue
		}
		match = append(match, a)
	}
	sort.Slice(match, func(i, j int) bool {
		if match[i].Expires != match[j].Expires {
			return match[i].Expires < match[j].Expires
		}
		return match[i].AccountID < match[j].AccountID
	})
	return pageOf(match, limit)
}

func (m *Accounts) QueryByStatus(_ context.Context, status model.AccountStatus, cursor string, limit int) (model.AccountPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cursors = append(m.Cursors, cursor)
	if m.QueryErr != nil {
		return model.AccountPage{}, m.QueryErr
	}

	_, afterID, err := parseCursor(cursor)
	if err != nil {
		return model.AccountPage{}, err
	}

	var match []model.Account
	for _, a := range m.rows {
		if a.Version != model.AccountVersion || a.Status != status {
			continue
		}
		if cursor != "" && a.AccountID <= afterID {
			continue
		}
		match = append(match, a)
	}
	sort.Slice(match, func(i, j int) bool { return match[i].AccountID < match[j].AccountID })
	return pageOf(match, limit)
}

func (m *Accounts) Update(_ context.Context, accountID string, expect model.Revision, upd model.AccountUpdate) error {
	if m.BeforeUpdate != nil {
		m.BeforeUpdate(accountID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.UpdateErr[accountID]; err != nil {
		return err
	}
	a, ok := m.rows[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	if a.Revision() != expect {
		return repository.ErrConflict
	}
	m.rows[accountID] = a.Apply(upd)
	m.Updates++
	return nil
}

func (m *Accounts) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.DeleteErr[accountID]; err != nil {
		return err
	}
	delete(m.rows, accountID)
	m.Deleted = append(m.Deleted, accountID)
	return nil
}

func (m *Accounts) AddCredits(_ context.Context, _ *sqlx.Tx, accountID string, times int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[accountID]
	if !ok || a.Status == model.StatusDisabled {
		return repository.ErrNotCreditable
	}
	a.Times += times
	m.rows[accountID] = a
	return nil
}

func pageOf(match []model.Account, limit int) (model.AccountPage, error) {
	if limit <= 0 {
		limit = repository.DefaultPageSize
	}
	var p model.AccountPage
	if len(match) > limit {
		match = match[:limit]
		last := match[len(match)-1]
		p.Next = strconv.FormatInt(last.Expires, 10) + "|" + last.AccountID
	}
	for _, a := range match {
		if err := a.Validate(); err != nil {
			p.Invalid = append(p.Invalid, err)
			continue
		}
		p.Accounts = append(p.Accounts, a)
	}
	return p, nil
}

func parseCursor(c string) (int64, string, error) {
	if c == "" {
		return 0, "", nil
	}
	exp, id, ok := strings.Cut(c, "|")
	if !ok {
		return 0, "", repository.ErrBadCursor
	}
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return 0, "", repository.ErrBadCursor
	}
	return n, id, nil
}
