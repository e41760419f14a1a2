package redemption

import (
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/models"
)

// Mode is how a key changes an account's quota
type Mode string

const (
	// ModeReplace overwrites quota and re-anchors expiry
	ModeReplace Mode = "replace"
	// ModeAccumulate adds to quota and leaves expiry alone
	ModeAccumulate Mode = "accumulate"
)

// Outcome is the account state produced by applying a key
type Outcome struct {
	Mode           Mode
	OldRequests    int64
	NewRequests    int64
	RequestsChange int64
	OldExpiry      *time.Time
	NewExpiry      *time.Time
	ExpiryUpdated  bool
	HoursGranted   int64
}

// Apply decides how key changes account at now. A key with time left on it
// replaces the quota and sets expiry to now plus the remaining whole hours,
// rounded up. Any other key adds its grant to the existing quota.
func Apply(account models.Account, key models.Key, now time.Time) Outcome {
	out := Outcome{
		OldRequests: account.Requests,
		OldExpiry:   account.ExpiryTime,
	}

	if key.ExpiresAt != nil {
		if hours := clock.CeilHours(key.ExpiresAt.Sub(now)); hours > 0 {
			expiry := now.Add(time.Duration(hours) * time.Hour)
			out.Mode = ModeReplace
			out.NewRequests = key.Requests
			out.RequestsChange = key.Requests - account.Requests
			out.NewExpiry = &expiry
			out.ExpiryUpdated = true
			out.HoursGranted = hours
			return out
		}
	}

	out.Mode = ModeAccumulate
	out.NewRequests = account.Requests + key.Requests
	out.RequestsChange = key.Requests
	out.NewExpiry = account.ExpiryTime
	return out
}

// KeyType reports the key type shown to the account holder
func (o Outcome) KeyType() models.KeyType {
	if o.Mode == ModeReplace {
		return models.KeyTypeHasExpiry
	}
	return models.KeyTypeNoExpiry
}

// LedgerDescription describes the quota change for the audit ledger
func (o Outcome) LedgerDescription(code string) string {
	if o.Mode == ModeReplace {
		return fmt.Sprintf("Redeemed expiring key %s (replaced %d -> %d requests, expires %s)",
			code, o.OldRequests, o.NewRequests, o.NewExpiry.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("Redeemed key %s (+%d requests)", code, o.RequestsChange)
}

// Message is the human readable summary returned to the account holder
func (o Outcome) Message(now time.Time) string {
	if o.Mode == ModeReplace {
		return fmt.Sprintf("Key redeemed: %d requests | valid for %dh", o.NewRequests, o.HoursGranted)
	}
	msg := fmt.Sprintf("Key redeemed: +%d requests", o.RequestsChange)
	if o.OldExpiry != nil {
		if left := clock.CeilHours(o.OldExpiry.Sub(now)); left > 0 {
			msg += fmt.Sprintf(" | %dh remaining", left)
		}
	}
	return msg
}

// ExpiryInfo explains the resulting expiry
func (o Outcome) ExpiryInfo() string {
	switch {
	case o.ExpiryUpdated:
		return "New expiry: " + o.NewExpiry.UTC().Format(time.RFC3339)
	case o.NewExpiry != nil:
		return "Current expiry: " + o.NewExpiry.UTC().Format(time.RFC3339)
	default:
		return "No expiry"
	}
}
