package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quotagate/quotagate/internal/attempt"
	"github.com/quotagate/quotagate/internal/database"
	"github.com/quotagate/quotagate/internal/models"
)

// PostgresStore keeps keys, accounts and the ledger in PostgreSQL
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL backed store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// FindKey looks a key up by its code
func (s *PostgresStore) FindKey(ctx context.Context, code string) (*models.Key, error) {
	key := &models.Key{}
	err := s.db.Do(ctx, "redemption.find_key", func(ctx context.Context, q database.Querier) error {
		return q.QueryRow(ctx, `
			SELECT id, key_value, requests, expires_at, is_used, used_by, used_at, created_at
			FROM keys
			WHERE key_value = $1
		`, code).Scan(
			&key.ID, &key.KeyValue, &key.Requests, &key.ExpiresAt,
			&key.IsUsed, &key.UsedBy, &key.UsedAt, &key.CreatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find key: %w", err)
	}
	return key, nil
}

// InTx runs fn in a database transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.InTx(ctx, "redemption.redeem", func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ClearAttempts(ctx context.Context, accountID uuid.UUID) error {
	return attempt.ClearIn(ctx, t.tx, accountID)
}

func (t *pgTx) ClaimKey(ctx context.Context, keyID, accountID uuid.UUID, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE keys
		SET is_used = TRUE, used_by = $2, used_at = $3
		WHERE id = $1 AND is_used = FALSE
	`, keyID, accountID, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	a := &models.Account{}
	err := t.tx.QueryRow(ctx, `
		SELECT id, username, email, role, requests, expiry_time, is_expired, created_at, updated_at
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(
		&a.ID, &a.Username, &a.Email, &a.Role, &a.Requests,
		&a.ExpiryTime, &a.IsExpired, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, accountID uuid.UUID, requests int64, expiry *time.Time, resetExpired bool) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE users
		SET requests    = $2,
		    expiry_time = $3,
		    is_expired  = CASE WHEN $4 THEN FALSE ELSE is_expired END,
		    updated_at  = NOW()
		WHERE id = $1
	`, accountID, requests, expiry, resetExpired)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, entry models.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO request_transactions (user_id, requests_amount, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, entry.UserID, entry.RequestsAmount, entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}
