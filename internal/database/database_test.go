package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/sony/gobreaker"
	"pgregory.net/rapid"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apierrors.Kind
	}{
		{"bad password", &pgconn.PgError{Code: "28P01"}, apierrors.KindFatal},
		{"bad authorization", &pgconn.PgError{Code: "28000"}, apierrors.KindFatal},
		{"permission denied", &pgconn.PgError{Code: "42501"}, apierrors.KindFatal},
		{"connection failure", &pgconn.PgError{Code: "08006"}, apierrors.KindTransient},
		{"too many connections", &pgconn.PgError{Code: "53300"}, apierrors.KindTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, apierrors.KindTransient},
		{"unique violation", &pgconn.PgError{Code: "23505"}, apierrors.KindFatal},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), apierrors.KindTransient},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, apierrors.KindTransient},
		{"deadline", context.DeadlineExceeded, apierrors.KindTransient},
		{"canceled", context.Canceled, apierrors.KindFatal},
		{"breaker open", gobreaker.ErrOpenState, apierrors.KindTransient},
		{"plain", errors.New("syntax error"), apierrors.KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := apierrors.KindOf(Classify(tc.err)); got != tc.want {
				t.Errorf("Classify(%v) kind = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("nil stays nil")
	}
	if err := Classify(pgx.ErrNoRows); err != pgx.ErrNoRows {
		t.Fatalf("ErrNoRows must pass through untouched, got %v", err)
	}

	sentinel := apierrors.NewKindError(apierrors.KindConflict, "key claimed concurrently")
	if err := Classify(fmt.Errorf("claim: %w", sentinel)); apierrors.KindOf(err) != apierrors.KindConflict {
		t.Fatalf("domain kind must be preserved, got %s", apierrors.KindOf(err))
	}

	authFailure := fmt.Errorf("connect: %w", &pgconn.PgError{Code: "28P01"})
	if apierrors.IsTransient(Classify(authFailure)) {
		t.Fatal("authentication failures must never be transient")
	}
}

func TestRetryPolicy_RetriesTransientOnly(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third try, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = policy.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "28P01"}
	})
	if calls != 1 {
		t.Fatalf("auth failures must not be retried, got %d calls", calls)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("original error must be preserved, got %v", err)
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			return &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !apierrors.IsTransient(err) {
			t.Fatalf("expected last transient error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected a single try before cancellation, got %d", calls)
	}
}

// TestProperty_RetryPolicy_BoundedAttempts checks attempts never exceed the policy bound
func TestProperty_RetryPolicy_BoundedAttempts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxAttempts := rapid.IntRange(1, 5).Draw(rt, "maxAttempts")
		failures := rapid.IntRange(0, 8).Draw(rt, "failures")
		policy := RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Microsecond}

		calls := 0
		err := policy.Do(context.Background(), "prop", func(ctx context.Context) error {
			calls++
			if calls <= failures {
				return syscall.ECONNREFUSED
			}
			return nil
		})

		if calls > maxAttempts {
			rt.Fatalf("PROPERTY VIOLATION: %d calls exceed bound %d", calls, maxAttempts)
		}
		if failures < maxAttempts && err != nil {
			rt.Fatalf("PROPERTY VIOLATION: expected success after %d failures, got %v", failures, err)
		}
		if failures >= maxAttempts && err == nil {
			rt.Fatalf("PROPERTY VIOLATION: expected failure after exhausting %d attempts", maxAttempts)
		}
	})
}

type unsentError struct{}

func (unsentError) Error() string     { return "write failed before send" }
func (unsentError) SafeToRetry() bool { return true }

func TestSafeToRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"never sent", fmt.Errorf("exec: %w", unsentError{}), true},
		{"dial refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"breaker open", gobreaker.ErrOpenState, true},
		{"deadline after send", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
		{"reset after send", fmt.Errorf("read: %w", syscall.ECONNRESET), false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"bad password", &pgconn.PgError{Code: "28P01"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeToRetry(Classify(tc.err)); got != tc.want {
				t.Errorf("SafeToRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryPolicy_DoesNotReplayWrites(t *testing.T) {
	for _, failure := range []error{
		fmt.Errorf("query: %w", context.DeadlineExceeded),
		fmt.Errorf("read: %w", syscall.ECONNRESET),
	} {
		writes := 0
		err := DefaultRetryPolicy().Do(context.Background(), "test", func(ctx context.Context) error {
			writes++
			return failure
		})
		if writes != 1 {
			t.Fatalf("write may have been applied and must not be repeated, got %d writes for %v", writes, failure)
		}
		if !apierrors.IsTransient(err) {
			t.Fatalf("failure is still reported as transient, got %v", err)
		}
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Delay(1) != 200*time.Millisecond || p.Delay(2) != 400*time.Millisecond {
		t.Fatalf("unexpected backoff: %v, %v", p.Delay(1), p.Delay(2))
	}
}

func TestBreaker_IgnoresBusinessErrors(t *testing.T) {
	cb := newBreaker("test-business", BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, pgx.ErrNoRows })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("business errors must not open the breaker, state=%s", cb.State())
	}

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, syscall.ECONNRESET })
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("consecutive transient failures must open the breaker, state=%s", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	if !apierrors.IsTransient(Classify(err)) {
		t.Fatalf("open breaker must report a transient error, got %v", err)
	}
}

func TestFailInTx(t *testing.T) {
	if apierrors.KindOf(failInTx(syscall.ECONNRESET)) != apierrors.KindFatal {
		t.Fatal("transient failures inside a transaction become fatal")
	}
	sentinel := apierrors.NewKindError(apierrors.KindConflict, "lost race")
	if !errors.Is(failInTx(sentinel), sentinel) {
		t.Fatal("domain errors keep their identity")
	}
}
