package ratelimit

import (
	"context"
	"fmt"

	"github.com/quotagate/quotagate/internal/database"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// ActivityLog appends suspicious activity audit entries
type ActivityLog struct {
	db *database.DB
}

// NewActivityLog creates a new activity log
func NewActivityLog(db *database.DB) *ActivityLog {
	return &ActivityLog{db: db}
}

// Log appends an audit entry. Failures are logged and never returned, so the
// caller's decision is not affected. The write survives client disconnects.
func (a *ActivityLog) Log(ctx context.Context, ip, endpoint, userAgent, reason string, metrics map[string]any) {
	if metrics == nil {
		metrics = map[string]any{}
	}
	ctx = context.WithoutCancel(ctx)

	err := a.db.Do(ctx, "activity.log", func(ctx context.Context, q database.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO suspicious_activities (ip_address, endpoint, user_agent, reason, metrics)
			VALUES ($1, $2, $3, $4, $5)
		`, ip, endpoint, userAgent, reason, metrics)
		return err
	})
	if err != nil {
		monitoring.RecordSuspiciousActivity(reason, "error")
		log.Error().
			Err(err).
			Str("ip", ip).
			Str("endpoint", endpoint).
			Str("reason", reason).
			Msg("Failed to log suspicious activity")
		return
	}
	monitoring.RecordSuspiciousActivity(reason, "ok")
}

// Recent returns the newest audit entries, at most limit
func (a *ActivityLog) Recent(ctx context.Context, limit int) ([]models.SuspiciousActivity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []models.SuspiciousActivity
	err := a.db.Do(ctx, "activity.recent", func(ctx context.Context, q database.Querier) error {
		out = out[:0]
		rows, err := q.Query(ctx, `
			SELECT id, ip_address, endpoint, user_agent, reason, metrics, created_at
			FROM suspicious_activities
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e models.SuspiciousActivity
			if err := rows.Scan(&e.ID, &e.IPAddress, &e.Endpoint, &e.UserAgent, &e.Reason, &e.Metrics, &e.CreatedAt); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious activity: %w", err)
	}
	return out, nil
}
