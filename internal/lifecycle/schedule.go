package lifecycle

import (
	"time"

	"github.com/diamory/diamory-backend/internal/model"
)

const (
	// TrialPeriod is how long a new account may be used without credits.
	TrialPeriod = 30 * 24 * time.Hour

	// DisableGuard keeps a freshly disabled account out of the expiry scan
	// until the removal sweeper has had a chance to run.
	DisableGuard = time.Hour
)

// offsetDays is the length of each suspension step, indexed by the level
// before escalation.
var offsetDays = [model.MaxSuspension]int{7, 4, 1, 1, 1}

// warnDays is the number of days until removal announced in the warning
// sent when leaving the indexed level.
var warnDays = [model.MaxSuspension]int{14, 7, 3, 2, 1}

// OffsetDays returns the suspension step length for level, which must be in
// [0, MaxSuspension).
func OffsetDays(level int) int { return offsetDays[level] }

// WarnDays returns the remaining days announced when escalating from level.
func WarnDays(level int) int { return warnDays[level] }

// RenewalDeadline is 23:59:00 on the day before the same calendar day of the
// next month. Month overflow normalizes like time.Date does (Jan 31 -> Mar 2).
func RenewalDeadline(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m+1, d-1, 23, 59, 0, 0, now.Location())
}

// SuspensionDeadline is 23:59:00 on the (days-1)th day after now; days == 1
// means tonight.
func SuspensionDeadline(now time.Time, days int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+days-1, 23, 59, 0, 0, now.Location())
}

// TrialDeadline is when a new account's trial runs out.
func TrialDeadline(now time.Time) time.Time {
	return now.Add(TrialPeriod)
}

type Transition int

const (
	TransitionSkip Transition = iota
	TransitionRenew
	TransitionDisable
	TransitionSuspend
)

func (t Transition) String() string {
	switch t {
	case TransitionRenew:
		return "renew"
	case TransitionDisable:
		return "disable"
	case TransitionSuspend:
		return "suspend"
	default:
		return "skip"
	}
}

// Decide picks the transition for an account whose expiry has passed.
// Credits always win; disabled accounts belong to the removal sweeper.
func Decide(a model.Account) Transition {
	switch {
	case a.Status == model.StatusDisabled:
		return TransitionSkip
	case a.Times > 0:
		return TransitionRenew
	case a.Trial || a.Suspended >= model.MaxSuspension:
		return TransitionDisable
	default:
		return TransitionSuspend
	}
}

// Plan computes the update for a transition at now. Disable and skip plans
// carry no escalation data.
func Plan(a model.Account, t Transition, now time.Time) model.AccountUpdate {
	switch t {
	case TransitionRenew:
		return model.AccountUpdate{
			Status:    model.Ptr(model.StatusActive),
			Suspended: model.Ptr(0),
			Times:     model.Ptr(a.Times - 1),
			Trial:     model.Ptr(false),
			Expires:   model.Ptr(RenewalDeadline(now).UnixMilli()),
		}
	case TransitionDisable:
		return model.AccountUpdate{
			Status:  model.Ptr(model.StatusDisabled),
			Expires: model.Ptr(now.Add(DisableGuard).UnixMilli()),
		}
	case TransitionSuspend:
		return model.AccountUpdate{
			Status:    model.Ptr(model.StatusSuspended),
			Suspended: model.Ptr(a.Suspended + 1),
			Expires:   model.Ptr(SuspensionDeadline(now, OffsetDays(a.Suspended)).UnixMilli()),
		}
	default:
		return model.AccountUpdate{}
	}
}
