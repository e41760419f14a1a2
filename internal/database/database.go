package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotagate/quotagate/internal/config"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Querier is satisfied by both the pool and an open transaction
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB owns the connection pool and applies timeouts, retries and the
// circuit breaker to every storage call.
type DB struct {
	Pool *pgxpool.Pool

	retry        RetryPolicy
	breaker      *gobreaker.CircuitBreaker
	queryTimeout time.Duration
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	policy := DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	policy.BaseDelay = cfg.RetryBaseDelay

	db := &DB{
		Pool:         pool,
		retry:        policy,
		breaker:      newBreaker("postgres", DefaultBreakerConfig()),
		queryTimeout: cfg.QueryTimeout,
	}

	// Ping is read-only, so timeouts are worth another try
	ping := policy
	ping.Retryable = apierrors.IsTransient
	if err := ping.Do(ctx, "ping", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return pool.Ping(pingCtx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Msg("Database connection established")

	return db, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
	log.Info().Msg("Database connection closed")
}

// Health checks if the database is healthy and refreshes pool gauges
func (db *DB) Health(ctx context.Context) error {
	stat := db.Pool.Stat()
	monitoring.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))

	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Do runs a non-transactional operation against the pool. Each try gets its
// own query timeout; failures that never reached the server are retried.
func (db *DB) Do(ctx context.Context, operation string, fn func(ctx context.Context, q Querier) error) error {
	start := time.Now()
	defer func() { monitoring.RecordDBQuery(operation, time.Since(start)) }()

	return db.retry.Do(ctx, operation, func(ctx context.Context) error {
		qctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
		defer cancel()

		_, err := db.breaker.Execute(func() (interface{}, error) {
			return nil, fn(qctx, db.Pool)
		})
		return err
	})
}

// InTx runs fn inside a transaction. Only Begin is retried; once the
// transaction is open any failure rolls back and is reported as fatal.
// The transaction is detached from the caller's cancellation so it always
// commits or rolls back, bounded by the query timeout.
func (db *DB) InTx(ctx context.Context, operation string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	defer func() { monitoring.RecordDBQuery(operation, time.Since(start)) }()

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.queryTimeout)
	defer cancel()

	var tx pgx.Tx
	err := db.retry.Do(txCtx, operation+".begin", func(ctx context.Context) error {
		_, err := db.breaker.Execute(func() (interface{}, error) {
			var err error
			tx, err = db.Pool.Begin(ctx)
			return nil, err
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(txCtx)

	if err := fn(txCtx, tx); err != nil {
		return failInTx(err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return failInTx(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// failInTx keeps domain kinds but turns storage failures inside an open
// transaction into fatal errors.
func failInTx(err error) error {
	err = Classify(err)
	if apierrors.IsTransient(err) {
		return apierrors.Mark(err, apierrors.KindFatal)
	}
	return err
}
