package redemption

import (
	"strings"
	"testing"
	"time"

	"github.com/quotagate/quotagate/internal/models"
	"pgregory.net/rapid"
)

var policyNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func drawExpiry(t *rapid.T, label string) *time.Time {
	if !rapid.Bool().Draw(t, label+"Set") {
		return nil
	}
	offset := time.Duration(rapid.Int64Range(-1000*int64(time.Hour), 1000*int64(time.Hour)).Draw(t, label))
	e := policyNow.Add(offset)
	return &e
}

// Property: a key without expiry adds its grant and never touches expiry
func TestProperty_AccumulateLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := rapid.Int64Range(0, 1_000_000).Draw(t, "quota")
		g := rapid.Int64Range(0, 1_000_000).Draw(t, "grant")
		expiry := drawExpiry(t, "accountExpiry")

		out := Apply(
			models.Account{Requests: q, ExpiryTime: expiry},
			models.Key{Requests: g},
			policyNow,
		)

		if out.Mode != ModeAccumulate {
			t.Fatalf("PROPERTY VIOLATION: no-expiry key applied in mode %s", out.Mode)
		}
		if out.NewRequests != q+g {
			t.Fatalf("PROPERTY VIOLATION: quota %d + grant %d gave %d", q, g, out.NewRequests)
		}
		if out.RequestsChange != g {
			t.Fatalf("PROPERTY VIOLATION: ledger delta %d, expected %d", out.RequestsChange, g)
		}
		if out.ExpiryUpdated || out.NewExpiry != expiry {
			t.Fatalf("PROPERTY VIOLATION: expiry changed from %v to %v", expiry, out.NewExpiry)
		}
	})
}

// Property: a key with time left replaces quota and re-anchors expiry
func TestProperty_ReplaceLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := rapid.Int64Range(0, 1_000_000).Draw(t, "quota")
		g := rapid.Int64Range(0, 1_000_000).Draw(t, "grant")
		left := time.Duration(rapid.Int64Range(1, 2000*int64(time.Hour)).Draw(t, "left"))
		keyExpiry := policyNow.Add(left)

		out := Apply(
			models.Account{Requests: q, ExpiryTime: drawExpiry(t, "accountExpiry")},
			models.Key{Requests: g, ExpiresAt: &keyExpiry},
			policyNow,
		)

		if out.Mode != ModeReplace {
			t.Fatalf("PROPERTY VIOLATION: key with %s left applied in mode %s", left, out.Mode)
		}
		if out.NewRequests != g {
			t.Fatalf("PROPERTY VIOLATION: replaced quota is %d, expected exactly %d", out.NewRequests, g)
		}
		if out.RequestsChange != g-q {
			t.Fatalf("PROPERTY VIOLATION: ledger delta %d, expected %d", out.RequestsChange, g-q)
		}

		hours := int64(left / time.Hour)
		if left%time.Hour != 0 {
			hours++
		}
		want := policyNow.Add(time.Duration(hours) * time.Hour)
		if !out.ExpiryUpdated || out.NewExpiry == nil || !out.NewExpiry.Equal(want) {
			t.Fatalf("PROPERTY VIOLATION: expiry %v, expected %v", out.NewExpiry, want)
		}
		if out.NewExpiry.Before(keyExpiry) {
			t.Fatalf("PROPERTY VIOLATION: expiry %v earlier than key expiry %v", out.NewExpiry, keyExpiry)
		}
	})
}

func TestApply_KeyExpiringNowAccumulates(t *testing.T) {
	out := Apply(
		models.Account{Requests: 10},
		models.Key{Requests: 5, ExpiresAt: &policyNow},
		policyNow,
	)
	if out.Mode != ModeAccumulate || out.NewRequests != 15 {
		t.Errorf("Expected accumulate to 15, got %s to %d", out.Mode, out.NewRequests)
	}
}

func TestOutcomeText(t *testing.T) {
	keyExpiry := policyNow.Add(239*time.Hour + 30*time.Minute)
	replace := Apply(models.Account{Requests: 100}, models.Key{Requests: 30, ExpiresAt: &keyExpiry}, policyNow)

	if replace.KeyType() != models.KeyTypeHasExpiry {
		t.Errorf("Expected has-expiry, got %s", replace.KeyType())
	}
	if got := replace.Message(policyNow); got != "Key redeemed: 30 requests | valid for 240h" {
		t.Errorf("Unexpected message: %s", got)
	}
	if got := replace.LedgerDescription("ABCDE"); !strings.Contains(got, "replaced 100 -> 30") {
		t.Errorf("Unexpected ledger description: %s", got)
	}
	if got := replace.ExpiryInfo(); !strings.HasPrefix(got, "New expiry: ") {
		t.Errorf("Unexpected expiry info: %s", got)
	}

	accountExpiry := policyNow.Add(90 * time.Minute)
	accumulate := Apply(models.Account{Requests: 1, ExpiryTime: &accountExpiry}, models.Key{Requests: 50}, policyNow)
	if accumulate.KeyType() != models.KeyTypeNoExpiry {
		t.Errorf("Expected no-expiry, got %s", accumulate.KeyType())
	}
	if got := accumulate.Message(policyNow); got != "Key redeemed: +50 requests | 2h remaining" {
		t.Errorf("Unexpected message: %s", got)
	}
	if got := accumulate.LedgerDescription("ABCDE"); got != "Redeemed key ABCDE (+50 requests)" {
		t.Errorf("Unexpected ledger description: %s", got)
	}
	if got := accumulate.ExpiryInfo(); !strings.HasPrefix(got, "Current expiry: ") {
		t.Errorf("Unexpected expiry info: %s", got)
	}

	if got := Apply(models.Account{}, models.Key{Requests: 1}, policyNow).ExpiryInfo(); got != "No expiry" {
		t.Errorf("Unexpected expiry info: %s", got)
	}
}
