package account

import (
	"fmt"
	"time"

	apierrors "github.com/quotagate/quotagate/internal/errors"
)

// ExpiryAction is an administrative change to an account's expiry
type ExpiryAction string

const (
	ActionExtend   ExpiryAction = "extend"
	ActionDecrease ExpiryAction = "decrease"
	ActionSet      ExpiryAction = "set"
	ActionRemove   ExpiryAction = "remove"
	ActionExpire   ExpiryAction = "expire"
)

var (
	ErrInvalidAction  = apierrors.NewKindError(apierrors.KindMalformed, "action must be one of extend, decrease, set, remove, expire")
	ErrInvalidHours   = apierrors.NewKindError(apierrors.KindMalformed, "hours must be greater than 0")
	ErrNoExpiry       = apierrors.NewKindError(apierrors.KindBusinessRule, "account has no expiry to decrease")
	ErrAlreadyExpired = apierrors.NewKindError(apierrors.KindBusinessRule, "account expiry has already passed")
)

// ExpiryChange is the result of applying an ExpiryAction
type ExpiryChange struct {
	NewExpiry   *time.Time
	Expired     bool
	Description string
}

// ComputeExpiry works out the new expiry for action applied at now
func ComputeExpiry(action ExpiryAction, hours int, current *time.Time, now time.Time) (*ExpiryChange, error) {
	d := time.Duration(hours) * time.Hour

	switch action {
	case ActionExtend:
		if hours <= 0 {
			return nil, ErrInvalidHours
		}
		base := now
		if current != nil && current.After(now) {
			base = *current
		}
		t := base.Add(d)
		return &ExpiryChange{NewExpiry: &t, Description: fmt.Sprintf("extended by %d hours", hours)}, nil

	case ActionDecrease:
		if hours <= 0 {
			return nil, ErrInvalidHours
		}
		if current == nil {
			return nil, ErrNoExpiry
		}
		if !current.After(now) {
			return nil, ErrAlreadyExpired
		}
		t := current.Add(-d)
		if !t.After(now) {
			t = now
			return &ExpiryChange{NewExpiry: &t, Expired: true, Description: fmt.Sprintf("decreased by %d hours, expired now", hours)}, nil
		}
		return &ExpiryChange{NewExpiry: &t, Description: fmt.Sprintf("decreased by %d hours", hours)}, nil

	case ActionSet:
		if hours <= 0 {
			return nil, ErrInvalidHours
		}
		t := now.Add(d)
		return &ExpiryChange{NewExpiry: &t, Description: fmt.Sprintf("set to %d hours from now", hours)}, nil

	case ActionRemove:
		return &ExpiryChange{Description: "expiry removed"}, nil

	case ActionExpire:
		t := now
		return &ExpiryChange{NewExpiry: &t, Expired: true, Description: "expired immediately"}, nil
	}

	return nil, ErrInvalidAction
}
