package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of an account
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ExpiryStatus describes where an account stands relative to its expiry time
type ExpiryStatus string

const (
	ExpiryStatusNone         ExpiryStatus = "no_expiry"
	ExpiryStatusExpired      ExpiryStatus = "expired"
	ExpiryStatusExpiringSoon ExpiryStatus = "expiring_soon"
	ExpiryStatusActive       ExpiryStatus = "active"
)

// ExpiringSoonWindow is how close to expiry an account counts as expiring soon
const ExpiringSoonWindow = 24 * time.Hour

// Account represents an end-user holding a request quota
type Account struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Username   string     `json:"username" db:"username"`
	Email      string     `json:"email" db:"email"`
	Role       Role       `json:"role" db:"role"`
	Requests   int64      `json:"requests" db:"requests"`
	ExpiryTime *time.Time `json:"expiry_time,omitempty" db:"expiry_time"`
	IsExpired  bool       `json:"is_expired" db:"is_expired"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// ExpiryStatusAt classifies the account's expiry relative to now. An account
// flagged expired stays expired whatever its expiry time says.
func (a *Account) ExpiryStatusAt(now time.Time) ExpiryStatus {
	if a.ExpiryTime == nil {
		return ExpiryStatusNone
	}
	if a.IsExpired || !a.ExpiryTime.After(now) {
		return ExpiryStatusExpired
	}
	if a.ExpiryTime.Sub(now) <= ExpiringSoonWindow {
		return ExpiryStatusExpiringSoon
	}
	return ExpiryStatusActive
}

// HoursRemainingAt returns the fractional hours left before expiry, 0 once
// expired, or nil when the account never expires
func (a *Account) HoursRemainingAt(now time.Time) *float64 {
	if a.ExpiryTime == nil {
		return nil
	}
	h := 0.0
	if a.ExpiryTime.After(now) {
		h = a.ExpiryTime.Sub(now).Hours()
	}
	return &h
}
