package database

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/sony/gobreaker"
)

// Postgres error codes that must never be retried
var fatalCodes = map[string]struct{}{
	"28P01": {}, // invalid_password
	"28000": {}, // invalid_authorization_specification
	"42501": {}, // insufficient_privilege
}

// Postgres error codes that indicate a transient condition
var transientCodes = map[string]struct{}{
	"53300": {}, // too_many_connections
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
}

// Classify tags a storage error with its apierrors.Kind. Errors that already
// carry a kind and pgx.ErrNoRows pass through untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	var k interface{ Kind() apierrors.Kind }
	if errors.As(err, &k) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := fatalCodes[pgErr.Code]; ok {
			return apierrors.Mark(err, apierrors.KindFatal)
		}
		if _, ok := transientCodes[pgErr.Code]; ok || strings.HasPrefix(pgErr.Code, "08") {
			return apierrors.Mark(err, apierrors.KindTransient)
		}
		return apierrors.Mark(err, apierrors.KindFatal)
	}

	if isTransient(err) {
		return apierrors.Mark(err, apierrors.KindTransient)
	}
	return apierrors.Mark(err, apierrors.KindFatal)
}

func isTransient(err error) bool {
	// Caller went away: retrying cannot help
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	// Authentication failures wrap a PgError and were handled by the caller
	if neverSent(err) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "conn closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// SafeToRetry reports whether a transient error is known to have left the
// server untouched. Timeouts and resets after the send do not qualify because
// the statement may have been applied.
func SafeToRetry(err error) bool {
	if !apierrors.IsTransient(err) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return neverSent(err) || errors.Is(err, syscall.ECONNREFUSED)
}

// neverSent applies pgconn.SafeToRetry anywhere in err's chain; pgconn only
// checks the outermost error.
func neverSent(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if pgconn.SafeToRetry(err) {
			return true
		}
	}
	return false
}
