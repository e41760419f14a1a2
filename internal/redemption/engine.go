// Package redemption turns single-use keys into account quota.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/attempt"
	"github.com/quotagate/quotagate/internal/clock"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

var (
	ErrMalformedKey    = apierrors.NewKindError(apierrors.KindMalformed, "key is too short")
	ErrKeyNotFound     = apierrors.NewKindError(apierrors.KindBusinessRule, "key not found")
	ErrKeyAlreadyUsed  = apierrors.NewKindError(apierrors.KindBusinessRule, "key already used")
	ErrKeyExpired      = apierrors.NewKindError(apierrors.KindBusinessRule, "key expired")
	ErrKeyConflict     = apierrors.NewKindError(apierrors.KindConflict, "key was redeemed concurrently")
	ErrAccountNotFound = apierrors.NewKindError(apierrors.KindBusinessRule, "account not found")
)

// DefaultMinKeyLength is the shortest code worth looking up
const DefaultMinKeyLength = 5

// Store is the persistence the engine needs
type Store interface {
	// FindKey returns ErrKeyNotFound when no key has the code
	FindKey(ctx context.Context, code string) (*models.Key, error)
	// InTx runs fn atomically; any error rolls back every write made through tx
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes performed by one redemption
type Tx interface {
	ClearAttempts(ctx context.Context, accountID uuid.UUID) error
	// ClaimKey marks the key used by accountID. It reports false when the key
	// was already used, without modifying it.
	ClaimKey(ctx context.Context, keyID, accountID uuid.UUID, now time.Time) (bool, error)
	// LockAccount reads the account and holds it until the transaction ends
	LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	UpdateAccount(ctx context.Context, accountID uuid.UUID, requests int64, expiry *time.Time, resetExpired bool) error
	AppendLedger(ctx context.Context, entry models.LedgerEntry) error
}

// Attempts is the account lockout gate
type Attempts interface {
	Check(ctx context.Context, accountID uuid.UUID) error
	RecordFailure(ctx context.Context, accountID uuid.UUID, ip string) (*models.AttemptRecord, error)
}

// Result is returned to the account holder after a successful redemption
type Result struct {
	Message         string         `json:"message"`
	RequestsChange  int64          `json:"requests_change"`
	CurrentRequests int64          `json:"current_requests"`
	KeyValue        string         `json:"key_value"`
	KeyType         models.KeyType `json:"key_type"`
	ExpiryUpdated   bool           `json:"expiry_updated"`
	ExpiryTime      *time.Time     `json:"expiry_time"`
	ExpiryInfo      string         `json:"expiry_info"`
	Mode            Mode           `json:"mode"`
}

// Engine validates keys and applies them to accounts
type Engine struct {
	store        Store
	attempts     Attempts
	clock        clock.Clock
	minKeyLength int
}

// NewEngine creates a new redemption engine
func NewEngine(store Store, attempts Attempts, clk clock.Clock, minKeyLength int) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if minKeyLength <= 0 {
		minKeyLength = DefaultMinKeyLength
	}
	return &Engine{
		store:        store,
		attempts:     attempts,
		clock:        clk,
		minKeyLength: minKeyLength,
	}
}

// MinKeyLength returns the shortest accepted code
func (e *Engine) MinKeyLength() int {
	return e.minKeyLength
}

// Redeem applies the key named by code to accountID.
//
// Codes shorter than the minimum are rejected without counting a failure.
// A locked account is rejected before the key is looked up. Unknown, used
// and expired keys count a failed attempt. A valid key is claimed, applied
// and recorded in the ledger in one transaction, which also clears the
// account's failed attempts.
func (e *Engine) Redeem(ctx context.Context, accountID uuid.UUID, ip, code string) (*Result, error) {
	start := time.Now()
	result, err := e.redeem(ctx, accountID, ip, code)
	monitoring.RecordRedemptionLatency(time.Since(start))
	monitoring.RecordRedemption(outcomeLabel(err))
	if err == nil {
		monitoring.RecordRequestsGranted(string(result.Mode), result.RequestsChange)
	}
	return result, err
}

func (e *Engine) redeem(ctx context.Context, accountID uuid.UUID, ip, code string) (*Result, error) {
	code = strings.TrimSpace(code)
	if utf8.RuneCountInString(code) < e.minKeyLength {
		return nil, ErrMalformedKey
	}

	if err := e.attempts.Check(ctx, accountID); err != nil {
		return nil, err
	}

	key, err := e.store.FindKey(ctx, code)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, e.fail(ctx, accountID, ip, ErrKeyNotFound)
	}
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if key.IsUsed {
		return nil, e.fail(ctx, accountID, ip, ErrKeyAlreadyUsed)
	}
	if key.ExpiredAt(now) {
		return nil, e.fail(ctx, accountID, ip, ErrKeyExpired)
	}

	var outcome Outcome
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.ClearAttempts(ctx, accountID); err != nil {
			return err
		}

		claimed, err := tx.ClaimKey(ctx, key.ID, accountID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrKeyConflict
		}

		account, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}

		outcome = Apply(*account, *key, now)
		if err := tx.UpdateAccount(ctx, accountID, outcome.NewRequests, outcome.NewExpiry, outcome.ExpiryUpdated); err != nil {
			return err
		}

		return tx.AppendLedger(ctx, models.LedgerEntry{
			UserID:         accountID,
			RequestsAmount: outcome.RequestsChange,
			Description:    outcome.LedgerDescription(key.KeyValue),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Message:         outcome.Message(now),
		RequestsChange:  outcome.RequestsChange,
		CurrentRequests: outcome.NewRequests,
		KeyValue:        key.KeyValue,
		KeyType:         outcome.KeyType(),
		ExpiryUpdated:   outcome.ExpiryUpdated,
		ExpiryTime:      outcome.NewExpiry,
		ExpiryInfo:      outcome.ExpiryInfo(),
		Mode:            outcome.Mode,
	}, nil
}

// fail counts a failed attempt and returns cause. A failure to record the
// attempt is logged and never replaces cause.
func (e *Engine) fail(ctx context.Context, accountID uuid.UUID, ip string, cause error) error {
	if _, err := e.attempts.RecordFailure(ctx, accountID, ip); err != nil {
		log.Error().
			Err(err).
			Str("user_id", accountID.String()).
			Str("ip", ip).
			Msg("Failed to record redemption attempt")
	}
	return cause
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrMalformedKey):
		return "malformed"
	case errors.Is(err, attempt.ErrLocked):
		return "locked"
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrKeyAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrKeyExpired):
		return "expired"
	case errors.Is(err, ErrKeyConflict):
		return "conflict"
	default:
		return fmt.Sprintf("error_%s", apierrors.KindOf(err))
	}
}
