package account

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/database"
	"github.com/quotagate/quotagate/internal/database/dbtest"
	"github.com/quotagate/quotagate/internal/models"
)

var testDB *database.DB

func TestMain(m *testing.M) {
	testDB = dbtest.Connect()
	code := m.Run()
	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

func setupService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()
	if testDB == nil {
		t.Skip("Database not available")
	}
	if err := dbtest.Reset(context.Background(), testDB); err != nil {
		t.Fatalf("Failed to reset database: %v", err)
	}
	clk := clock.NewMock(time.Now().UTC().Truncate(time.Second))
	return NewService(testDB, clk), clk
}

func createUser(t *testing.T, name string, requests int64, expiry *time.Time) uuid.UUID {
	t.Helper()
	id, err := dbtest.CreateUser(context.Background(), testDB, name, requests, expiry)
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return uuid.MustParse(id)
}

func TestService_Get(t *testing.T) {
	svc, clk := setupService(t)
	ctx := context.Background()

	expiry := clk.Now().Add(12 * time.Hour)
	id := createUser(t, "dana", 40, &expiry)

	p, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Username != "dana" || p.Requests != 40 {
		t.Errorf("Unexpected profile: %+v", p)
	}
	if p.ExpiryStatus != models.ExpiryStatusExpiringSoon {
		t.Errorf("Expected expiring_soon, got %s", p.ExpiryStatus)
	}
	if p.HoursRemaining == nil || *p.HoursRemaining != 12 {
		t.Errorf("Expected 12 hours remaining, got %v", p.HoursRemaining)
	}

	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestService_ListFilters(t *testing.T) {
	svc, clk := setupService(t)
	ctx := context.Background()

	past := clk.Now().Add(-time.Hour)
	soon := clk.Now().Add(time.Hour)
	later := clk.Now().Add(72 * time.Hour)
	createUser(t, "expired_user", 0, &past)
	createUser(t, "soon_user", 0, &soon)
	createUser(t, "later_user", 0, &later)
	createUser(t, "forever_user", 0, nil)

	all, err := svc.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 || all[0].Username != "expired_user" || all[3].Username != "forever_user" {
		t.Errorf("Expected expired first and no-expiry last, got %v", usernames(all))
	}

	cases := map[string][]string{
		"expired":  {"expired_user"},
		"expiring": {"soon_user"},
		"active":   {"soon_user", "later_user", "forever_user"},
	}
	for status, want := range cases {
		got, err := svc.List(ctx, "", status)
		if err != nil {
			t.Fatalf("List(%s) failed: %v", status, err)
		}
		if strings.Join(usernames(got), ",") != strings.Join(want, ",") {
			t.Errorf("List(%s): expected %v, got %v", status, want, usernames(got))
		}
	}

	found, err := svc.List(ctx, "LATER", "")
	if err != nil {
		t.Fatalf("List search failed: %v", err)
	}
	if len(found) != 1 || found[0].Username != "later_user" {
		t.Errorf("Search should be case-insensitive, got %v", usernames(found))
	}

	if _, err := svc.List(ctx, "", "bogus"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestService_AdjustExpiryWritesAuditEntry(t *testing.T) {
	svc, clk := setupService(t)
	ctx := context.Background()
	id := createUser(t, "erin", 25, nil)

	update, err := svc.AdjustExpiry(ctx, id, ActionExtend, 10, "root", "support ticket")
	if err != nil {
		t.Fatalf("AdjustExpiry failed: %v", err)
	}
	if update.Profile.ExpiryTime == nil || !update.Profile.ExpiryTime.Equal(clk.Now().Add(10*time.Hour)) {
		t.Errorf("Expected expiry now+10h, got %v", update.Profile.ExpiryTime)
	}

	clk.Advance(time.Minute)
	update, err = svc.AdjustExpiry(ctx, id, ActionExpire, 0, "root", "")
	if err != nil {
		t.Fatalf("AdjustExpiry failed: %v", err)
	}
	if !update.Profile.IsExpired || update.Profile.ExpiryStatus != models.ExpiryStatusExpired {
		t.Errorf("Expected expired account, got %+v", update.Profile)
	}

	rows, err := testDB.Pool.Query(ctx,
		`SELECT requests_amount, description FROM request_transactions WHERE user_id = $1 ORDER BY created_at`, id)
	if err != nil {
		t.Fatalf("Failed to read ledger: %v", err)
	}
	defer rows.Close()
	var descriptions []string
	for rows.Next() {
		var amount int64
		var description string
		if err := rows.Scan(&amount, &description); err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if amount != 0 {
			t.Errorf("Admin entries must not change quota, got %d", amount)
		}
		descriptions = append(descriptions, description)
	}
	if len(descriptions) != 2 || !strings.HasPrefix(descriptions[0], "[ADMIN] root: ") ||
		!strings.Contains(descriptions[0], "support ticket") {
		t.Errorf("Unexpected audit entries: %v", descriptions)
	}

	if _, err := svc.AdjustExpiry(ctx, id, ActionDecrease, 1, "root", ""); !errors.Is(err, ErrAlreadyExpired) {
		t.Errorf("Expected ErrAlreadyExpired, got %v", err)
	}
	if _, err := svc.AdjustExpiry(ctx, uuid.New(), ActionRemove, 0, "root", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestService_Reconcile(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	id := createUser(t, "fay", 0, nil)

	r, err := svc.Reconcile(ctx, id)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !r.Consistent || r.LedgerEntries != 0 {
		t.Errorf("A fresh account is consistent, got %+v", r)
	}

	if _, err := testDB.Pool.Exec(ctx, `UPDATE users SET requests = 30 WHERE id = $1`, id); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := testDB.Pool.Exec(ctx,
		`INSERT INTO request_transactions (user_id, requests_amount, description) VALUES ($1, 20, 'test')`, id); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	r, err = svc.Reconcile(ctx, id)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if r.Consistent || r.Difference != 10 || r.LedgerTotal != 20 {
		t.Errorf("Expected a difference of 10, got %+v", r)
	}

	if _, err := svc.Reconcile(ctx, uuid.New()); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func usernames(ps []Profile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Username
	}
	return out
}
