// Package account serves account profiles and administrative expiry changes.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/database"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

var (
	ErrAccountNotFound = apierrors.NewKindError(apierrors.KindBusinessRule, "account not found")
	ErrInvalidStatus   = apierrors.NewKindError(apierrors.KindMalformed, "status must be one of expired, active, expiring")
)

const listLimit = 50

// Profile is an account with its derived expiry fields
type Profile struct {
	models.Account
	ExpiryStatus   models.ExpiryStatus `json:"expiry_status"`
	HoursRemaining *float64            `json:"hours_remaining"`
}

// ExpiryUpdate is the outcome of an administrative expiry change
type ExpiryUpdate struct {
	Profile     Profile      `json:"user"`
	Action      ExpiryAction `json:"action"`
	Description string       `json:"description"`
	ActionBy    string       `json:"action_by"`
	ActionAt    time.Time    `json:"action_at"`
	Reason      string       `json:"reason,omitempty"`
}

// Reconciliation compares an account's quota with its ledger
type Reconciliation struct {
	UserID          uuid.UUID `json:"user_id"`
	CurrentRequests int64     `json:"current_requests"`
	LedgerTotal     int64     `json:"ledger_total"`
	LedgerEntries   int64     `json:"ledger_entries"`
	Difference      int64     `json:"difference"`
	Consistent      bool      `json:"consistent"`
}

// Service reads and administers accounts
type Service struct {
	db    *database.DB
	clock clock.Clock
}

// NewService creates a new account service
func NewService(db *database.DB, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{db: db, clock: clk}
}

const accountColumns = `id, username, email, role, requests, expiry_time, is_expired, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Role, &a.Requests,
		&a.ExpiryTime, &a.IsExpired, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Service) profile(a *models.Account) Profile {
	now := s.clock.Now()
	return Profile{
		Account:        *a,
		ExpiryStatus:   a.ExpiryStatusAt(now),
		HoursRemaining: a.HoursRemainingAt(now),
	}
}

// Get returns the profile of one account
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Profile, error) {
	var a *models.Account
	err := s.db.Do(ctx, "account.get", func(ctx context.Context, q database.Querier) error {
		var err error
		a, err = scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	p := s.profile(a)
	return &p, nil
}

// List returns up to 50 accounts matching search on username or email and
// the optional status filter, expired accounts first
func (s *Service) List(ctx context.Context, search, status string) ([]Profile, error) {
	now := s.clock.Now()
	var where []string
	args := []any{now}

	if search = strings.TrimSpace(search); search != "" {
		args = append(args, "%"+search+"%")
		where = append(where, fmt.Sprintf("(username ILIKE $%d OR email ILIKE $%d)", len(args), len(args)))
	}
	switch status {
	case "":
	case "expired":
		where = append(where, "(expiry_time < $1 OR is_expired)")
	case "active":
		where = append(where, "(expiry_time IS NULL OR (expiry_time > $1 AND NOT is_expired))")
	case "expiring":
		where = append(where, "(expiry_time > $1 AND expiry_time < $1 + INTERVAL '24 hours' AND NOT is_expired)")
	default:
		return nil, ErrInvalidStatus
	}

	sql := `SELECT ` + accountColumns + ` FROM users`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(`
		ORDER BY
			CASE
				WHEN expiry_time IS NULL THEN 3
				WHEN expiry_time < $1 OR is_expired THEN 1
				ELSE 2
			END,
			expiry_time ASC NULLS LAST
		LIMIT %d`, listLimit)

	var out []Profile
	err := s.db.Do(ctx, "account.list", func(ctx context.Context, q database.Querier) error {
		out = out[:0]
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}
			out = append(out, s.profile(a))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return out, nil
}

// AdjustExpiry applies an administrative expiry action and records a
// zero-delta ledger entry naming the admin and reason
func (s *Service) AdjustExpiry(ctx context.Context, id uuid.UUID, action ExpiryAction, hours int, admin, reason string) (*ExpiryUpdate, error) {
	now := s.clock.Now()
	var updated *models.Account
	var change *ExpiryChange

	err := s.db.InTx(ctx, "account.adjust_expiry", func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		change, err = ComputeExpiry(action, hours, current.ExpiryTime, now)
		if err != nil {
			return err
		}

		updated, err = scanAccount(tx.QueryRow(ctx, `
			UPDATE users
			SET expiry_time = $2, is_expired = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING `+accountColumns,
			id, change.NewExpiry, change.Expired))
		if err != nil {
			return err
		}

		description := fmt.Sprintf("[ADMIN] %s: %s", admin, change.Description)
		if reason != "" {
			description += " - reason: " + reason
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO request_transactions (user_id, requests_amount, description, created_at)
			VALUES ($1, 0, $2, $3)
		`, id, description, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust expiry: %w", err)
	}

	return &ExpiryUpdate{
		Profile:     s.profile(updated),
		Action:      action,
		Description: change.Description,
		ActionBy:    admin,
		ActionAt:    now,
		Reason:      reason,
	}, nil
}

// Reconcile checks that the ledger deltas add up to the current quota
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (*Reconciliation, error) {
	r := &Reconciliation{UserID: id}
	err := s.db.Do(ctx, "account.reconcile", func(ctx context.Context, q database.Querier) error {
		return q.QueryRow(ctx, `
			SELECT u.requests,
			       COALESCE(SUM(rt.requests_amount), 0)::bigint,
			       COUNT(rt.id)
			FROM users u
			LEFT JOIN request_transactions rt ON rt.user_id = u.id
			WHERE u.id = $1
			GROUP BY u.requests
		`, id).Scan(&r.CurrentRequests, &r.LedgerTotal, &r.LedgerEntries)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile account: %w", err)
	}

	r.Difference = r.CurrentRequests - r.LedgerTotal
	r.Consistent = r.Difference == 0
	return r, nil
}
