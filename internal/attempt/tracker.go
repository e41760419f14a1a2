// Package attempt tracks failed key redemptions per account and locks an
// account out after repeated failures.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/database"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// ErrLocked is matched by every lockout returned from Check
var ErrLocked = apierrors.NewKindError(apierrors.KindLocked, "account temporarily locked")

// ErrNotFound is returned by admin actions when the account has no attempt record
var ErrNotFound = errors.New("attempt record not found")

// LockedError describes an active lockout
type LockedError struct {
	BlockedUntil     time.Time
	RemainingMinutes int64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for %d more minutes", e.RemainingMinutes)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Config holds the lockout policy
type Config struct {
	MaxFailures int
	Lockout     time.Duration
}

// DefaultConfig returns the default lockout policy
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Lockout:     5 * time.Minute,
	}
}

// Tracker records failed redemption attempts in PostgreSQL
type Tracker struct {
	db    *database.DB
	cfg   Config
	clock clock.Clock
}

// NewTracker creates a new attempt tracker
func NewTracker(db *database.DB, cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{db: db, cfg: cfg, clock: clk}
}

// Check returns a *LockedError when accountID is locked out. It never modifies state.
func (t *Tracker) Check(ctx context.Context, accountID uuid.UUID) error {
	var blockedUntil *time.Time
	err := t.db.Do(ctx, "attempt.check", func(ctx context.Context, q database.Querier) error {
		err := q.QueryRow(ctx, `
			SELECT blocked_until FROM key_attempts WHERE user_id = $1
		`, accountID).Scan(&blockedUntil)
		if errors.Is(err, pgx.ErrNoRows) {
			blockedUntil = nil
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check attempts: %w", err)
	}

	now := t.clock.Now()
	if blockedUntil != nil && blockedUntil.After(now) {
		return &LockedError{
			BlockedUntil:     blockedUntil.UTC(),
			RemainingMinutes: clock.RemainingMinutes(*blockedUntil, now),
		}
	}
	return nil
}

// RecordFailure counts one failed attempt. Reaching the threshold sets a
// lockout; every further failure while at or above it extends the lockout.
func (t *Tracker) RecordFailure(ctx context.Context, accountID uuid.UUID, ip string) (*models.AttemptRecord, error) {
	now := t.clock.Now()
	until := now.Add(t.cfg.Lockout)

	rec := &models.AttemptRecord{}
	err := t.db.Do(ctx, "attempt.record_failure", func(ctx context.Context, q database.Querier) error {
		return q.QueryRow(ctx, `
			INSERT INTO key_attempts (user_id, failed_count, last_attempt, blocked_until, ip_address)
			VALUES ($1, 1, $2, CASE WHEN 1 >= $3 THEN $4::timestamptz END, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				failed_count  = key_attempts.failed_count + 1,
				last_attempt  = EXCLUDED.last_attempt,
				blocked_until = CASE WHEN key_attempts.failed_count + 1 >= $3 THEN $4::timestamptz END,
				ip_address    = EXCLUDED.ip_address
			RETURNING user_id, failed_count, last_attempt, blocked_until, ip_address
		`, accountID, now, t.cfg.MaxFailures, until, ip).Scan(
			&rec.UserID, &rec.FailedCount, &rec.LastAttempt, &rec.BlockedUntil, &rec.IPAddress,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	if rec.BlockedAt(now) {
		monitoring.RecordAccountLockout()
		log.Warn().
			Str("user_id", accountID.String()).
			Str("ip", ip).
			Int("failed_count", rec.FailedCount).
			Time("blocked_until", *rec.BlockedUntil).
			Msg("Account locked after failed redemptions")
	}
	return rec, nil
}

// ClearIn deletes the attempt record inside the caller's transaction
func ClearIn(ctx context.Context, q database.Querier, accountID uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM key_attempts WHERE user_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}
	return nil
}

// Reset zeroes the failure count and lifts the lockout, keeping the record
func (t *Tracker) Reset(ctx context.Context, accountID uuid.UUID) error {
	return t.exec(ctx, "attempt.reset", `
		UPDATE key_attempts SET failed_count = 0, blocked_until = NULL WHERE user_id = $1
	`, accountID)
}

// Unblock deletes the attempt record
func (t *Tracker) Unblock(ctx context.Context, accountID uuid.UUID) error {
	return t.exec(ctx, "attempt.unblock", `
		DELETE FROM key_attempts WHERE user_id = $1
	`, accountID)
}

func (t *Tracker) exec(ctx context.Context, operation, sql string, accountID uuid.UUID) error {
	var affected int64
	err := t.db.Do(ctx, operation, func(ctx context.Context, q database.Querier) error {
		tag, err := q.Exec(ctx, sql, accountID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update attempts: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlocked returns accounts at or over the failure threshold or still locked
func (t *Tracker) ListBlocked(ctx context.Context) ([]models.BlockedAccount, error) {
	now := t.clock.Now()

	var out []models.BlockedAccount
	err := t.db.Do(ctx, "attempt.list_blocked", func(ctx context.Context, q database.Querier) error {
		out = out[:0]
		rows, err := q.Query(ctx, `
			SELECT ka.user_id, ka.failed_count, ka.last_attempt, ka.blocked_until, ka.ip_address,
			       u.username, u.email
			FROM key_attempts ka
			JOIN users u ON u.id = ka.user_id
			WHERE ka.failed_count >= $1 OR ka.blocked_until > $2
			ORDER BY ka.last_attempt DESC
		`, t.cfg.MaxFailures, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var b models.BlockedAccount
			if err := rows.Scan(
				&b.UserID, &b.FailedCount, &b.LastAttempt, &b.BlockedUntil, &b.IPAddress,
				&b.Username, &b.Email,
			); err != nil {
				return err
			}
			if b.BlockedAt(now) {
				b.IsBlocked = true
				b.RemainingMinutes = clock.RemainingMinutes(*b.BlockedUntil, now)
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked accounts: %w", err)
	}
	return out, nil
}
