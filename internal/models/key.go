package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyType distinguishes keys that replace an account's quota from keys that add to it
type KeyType string

const (
	KeyTypeHasExpiry KeyType = "has-expiry"
	KeyTypeNoExpiry  KeyType = "no-expiry"
)

// Key represents a single-use redemption code
type Key struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	KeyValue  string     `json:"key_value" db:"key_value"`
	Requests  int64      `json:"requests" db:"requests"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsUsed    bool       `json:"is_used" db:"is_used"`
	UsedBy    *uuid.UUID `json:"used_by,omitempty" db:"used_by"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Type reports whether the key carries an expiry
func (k *Key) Type() KeyType {
	if k.ExpiresAt != nil {
		return KeyTypeHasExpiry
	}
	return KeyTypeNoExpiry
}

// ExpiredAt reports whether the key's expiry lies before now
func (k *Key) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}
