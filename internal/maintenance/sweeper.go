// Package maintenance runs periodic housekeeping over account and audit state.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/database"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// Config holds the retention windows applied by a sweep
type Config struct {
	// ActivityRetention is how long suspicious activity entries are kept
	ActivityRetention time.Duration
	// AttemptRetention is how long an idle, unlocked attempt record is kept
	AttemptRetention time.Duration
}

// DefaultConfig returns the default retention windows
func DefaultConfig() Config {
	return Config{
		ActivityRetention: 30 * 24 * time.Hour,
		AttemptRetention:  24 * time.Hour,
	}
}

// SweepResult summarizes one sweep
type SweepResult struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	AccountsExpired  int64         `json:"accounts_expired"`
	AttemptsPruned   int64         `json:"attempts_pruned"`
	ActivitiesPruned int64         `json:"activities_pruned"`
}

// Sweeper flags lapsed accounts and applies retention to attempt records
// and suspicious activity
type Sweeper struct {
	db    *database.DB
	cfg   Config
	clock clock.Clock
}

// NewSweeper creates a new sweeper
func NewSweeper(db *database.DB, cfg Config, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweeper{db: db, cfg: cfg, clock: clk}
}

// Sweep runs every step once. Steps are independent; the first failure stops
// the sweep and the partial result is returned with the error.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.clock.Now()
	result := &SweepResult{StartedAt: now}

	steps := []struct {
		name string
		sql  string
		arg  time.Time
		out  *int64
	}{
		{
			name: "expire_accounts",
			sql: `UPDATE users SET is_expired = TRUE, updated_at = $1
			      WHERE is_expired = FALSE AND expiry_time IS NOT NULL AND expiry_time <= $1`,
			arg: now,
			out: &result.AccountsExpired,
		},
		{
			// Locked records are kept until their lockout has passed
			name: "prune_attempts",
			sql: `DELETE FROM key_attempts
			      WHERE last_attempt < $1 AND (blocked_until IS NULL OR blocked_until < $1)`,
			arg: now.Add(-s.cfg.AttemptRetention),
			out: &result.AttemptsPruned,
		},
		{
			name: "prune_activities",
			sql:  `DELETE FROM suspicious_activities WHERE created_at < $1`,
			arg:  now.Add(-s.cfg.ActivityRetention),
			out:  &result.ActivitiesPruned,
		},
	}

	for _, step := range steps {
		err := s.db.Do(ctx, "maintenance."+step.name, func(ctx context.Context, q database.Querier) error {
			tag, err := q.Exec(ctx, step.sql, step.arg)
			if err != nil {
				return err
			}
			*step.out = tag.RowsAffected()
			return nil
		})
		if err != nil {
			monitoring.RecordMaintenanceFailure()
			result.Duration = s.clock.Now().Sub(now)
			return result, fmt.Errorf("maintenance step %s failed: %w", step.name, err)
		}
		monitoring.RecordMaintenanceRows(step.name, *step.out)
	}

	result.Duration = s.clock.Now().Sub(now)
	log.Info().
		Int64("accounts_expired", result.AccountsExpired).
		Int64("attempts_pruned", result.AttemptsPruned).
		Int64("activities_pruned", result.ActivitiesPruned).
		Msg("Maintenance sweep completed")
	return result, nil
}
