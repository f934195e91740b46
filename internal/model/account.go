package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountVersion is the partition tag shared by every account row. Both
// secondary indexes are keyed on it.
const AccountVersion = 1

// MaxSuspension is the last escalation level before an account is disabled.
const MaxSuspension = 5

var (
	ErrInvalidAccount  = errors.New("invalid account record")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
	StatusDisabled  AccountStatus = "disabled"
)

func (s AccountStatus) String() string {
	return string(s)
}

func (s AccountStatus) Valid() bool {
	return s == StatusActive || s == StatusSuspended || s == StatusDisabled
}

// ParseAccountStatus normalizes input. Returns (value, true) if valid.
func ParseAccountStatus(s string) (AccountStatus, bool) {
	st := AccountStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Account is the DB entity persisted in the accounts table.
type Account struct {
	AccountID string        `db:"account_id" json:"account_id"`
	Version   int           `db:"v"          json:"v"`
	Username  string        `db:"username"   json:"username"`
	Status    AccountStatus `db:"status"     json:"status"`    // active|suspended|disabled
	Suspended int           `db:"suspended"  json:"suspended"` // escalation level 0..5
	Times     int           `db:"times"      json:"times"`     // prepaid renewal credits
	Trial     bool          `db:"trial"      json:"trial"`
	Expires   int64         `db:"expires"    json:"expires"` // epoch ms
}

// Validate reports whether a record read from storage is usable by the
// lifecycle. All failures wrap ErrInvalidAccount.
func (a Account) Validate() error {
	switch {
	case strings.TrimSpace(a.AccountID) == "":
		return fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	case a.Version != AccountVersion:
		return fmt.Errorf("%w: account %s has version %d", ErrInvalidAccount, a.AccountID, a.Version)
	case strings.TrimSpace(a.Username) == "":
		return fmt.Errorf("%w: account %s has no username", ErrInvalidAccount, a.AccountID)
	case !a.Status.Valid():
		return fmt.Errorf("%w: account %s has status %q", ErrInvalidAccount, a.AccountID, a.Status)
	case a.Suspended < 0 || a.Suspended > MaxSuspension:
		return fmt.Errorf("%w: account %s has suspension level %d", ErrInvalidAccount, a.AccountID, a.Suspended)
	case a.Times < 0:
		return fmt.Errorf("%w: account %s has negative credits %d", ErrInvalidAccount, a.AccountID, a.Times)
	case a.Expires <= 0:
		return fmt.Errorf("%w: account %s has no expiry", ErrInvalidAccount, a.AccountID)
	}
	return nil
}

func (a Account) ExpiresAt() time.Time {
	return time.UnixMilli(a.Expires)
}

// Revision returns the fields a conditional update is guarded on.
func (a Account) Revision() Revision {
	return Revision{
		Status:    a.Status,
		Suspended: a.Suspended,
		Times:     a.Times,
		Expires:   a.Expires,
	}
}

// Apply returns a copy of a with upd written over it.
func (a Account) Apply(upd AccountUpdate) Account {
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.Suspended != nil {
		a.Suspended = *upd.Suspended
	}
	if upd.Times != nil {
		a.Times = *upd.Times
	}
	if upd.Trial != nil {
		a.Trial = *upd.Trial
	}
	if upd.Expires != nil {
		a.Expires = *upd.Expires
	}
	return a
}

// Revision is the state an update expects to find. A write whose revision no
// longer matches the stored row is rejected.
type Revision struct {
	Status    AccountStatus
	Suspended int
	Times     int
	Expires   int64
}

// AccountUpdate is a partial write; nil fields are left untouched.
type AccountUpdate struct {
	Status    *AccountStatus
	Suspended *int
	Times     *int
	Trial     *bool
	Expires   *int64
}

func (u AccountUpdate) Empty() bool {
	return u.Status == nil && u.Suspended == nil && u.Times == nil && u.Trial == nil && u.Expires == nil
}

// AccountPage is one page of an index scan. Next is empty once the scan is
// exhausted. Rows that fail Validate are reported in Invalid, each error
// wrapping ErrInvalidAccount, and the cursor still moves past them.
type AccountPage struct {
	Accounts []Account
	Invalid  []error
	Next     string
}

// NewTrialAccount builds the record written on sign-up.
func NewTrialAccount(accountID, username string, expires time.Time) Account {
	return Account{
		AccountID: accountID,
		Version:   AccountVersion,
		Username:  username,
		Status:    StatusActive,
		Suspended: 0,
		Times:     0,
		Trial:     true,
		Expires:   expires.UnixMilli(),
	}
}

func Ptr[T any](v T) *T { return &v }
