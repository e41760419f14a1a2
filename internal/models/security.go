package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptRecord tracks failed key redemptions for one account
type AttemptRecord struct {
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	FailedCount  int        `json:"failed_count" db:"failed_count"`
	LastAttempt  time.Time  `json:"last_attempt" db:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	IPAddress    string     `json:"ip_address" db:"ip_address"`
}

// BlockedAt reports whether the record holds an active lockout at now
func (r *AttemptRecord) BlockedAt(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

// BlockedAccount is an attempt record joined with its account for admin listings
type BlockedAccount struct {
	AttemptRecord
	Username         string `json:"username"`
	Email            string `json:"email"`
	IsBlocked        bool   `json:"is_blocked"`
	RemainingMinutes int64  `json:"remaining_minutes"`
}

// IPRateState is the rate limiting state held for one source IP
type IPRateState struct {
	IP                string     `json:"ip_address"`
	RequestsThisHour  int64      `json:"requests_this_hour"`
	RequestsLast10Min int64      `json:"requests_last_10min"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	Suspicious        bool       `json:"is_suspicious"`
	FirstSeen         *time.Time `json:"first_seen,omitempty"`
	LastRequest       *time.Time `json:"last_request,omitempty"`
	LastEndpoint      string     `json:"last_endpoint,omitempty"`
	RemainingMinutes  int64      `json:"remaining_minutes"`
}

// SuspiciousActivity is an append-only audit entry
type SuspiciousActivity struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	IPAddress string         `json:"ip_address" db:"ip_address"`
	Endpoint  string         `json:"endpoint" db:"endpoint"`
	UserAgent string         `json:"user_agent" db:"user_agent"`
	Reason    string         `json:"reason" db:"reason"`
	Metrics   map[string]any `json:"metrics" db:"metrics"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// LedgerEntry is an append-only record of a quota change
type LedgerEntry struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	RequestsAmount int64     `json:"requests_amount" db:"requests_amount"`
	Description    string    `json:"description" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
