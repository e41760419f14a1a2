package redemption

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/attempt"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/models"
)

// memState is everything a transaction may change
type memState struct {
	keys     map[string]models.Key
	accounts map[uuid.UUID]models.Account
	attempts map[uuid.UUID]models.AttemptRecord
	ledger   []models.LedgerEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		keys:     make(map[string]models.Key, len(s.keys)),
		accounts: make(map[uuid.UUID]models.Account, len(s.accounts)),
		attempts: make(map[uuid.UUID]models.AttemptRecord, len(s.attempts)),
		ledger:   append([]models.LedgerEntry(nil), s.ledger...),
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	return c
}

// memStore is a serializable in-memory Store that also tracks attempts
type memStore struct {
	mu    sync.Mutex
	state *memState
	clock clock.Clock
	cfg   attempt.Config

	findKeyCalls int
	failLedger   error
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{
		state: &memState{
			keys:     map[string]models.Key{},
			accounts: map[uuid.UUID]models.Account{},
			attempts: map[uuid.UUID]models.AttemptRecord{},
		},
		clock: clk,
		cfg:   attempt.DefaultConfig(),
	}
}

func (s *memStore) addAccount(requests int64, expiry *time.Time) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.state.accounts[id] = models.Account{
		ID:         id,
		Username:   id.String()[:8],
		Role:       models.RoleUser,
		Requests:   requests,
		ExpiryTime: expiry,
	}
	return id
}

func (s *memStore) addKey(code string, requests int64, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.keys[code] = models.Key{
		ID:        uuid.New(),
		KeyValue:  code,
		Requests:  requests,
		ExpiresAt: expiresAt,
	}
}

func (s *memStore) account(id uuid.UUID) models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.accounts[id]
}

func (s *memStore) key(code string) models.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.keys[code]
}

func (s *memStore) ledger() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerEntry(nil), s.state.ledger...)
}

func (s *memStore) attemptRecord(id uuid.UUID) (models.AttemptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.attempts[id]
	return rec, ok
}

func (s *memStore) keyLookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findKeyCalls
}

func (s *memStore) FindKey(ctx context.Context, code string) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findKeyCalls++
	k, ok := s.state.keys[code]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &k, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{store: s, state: snapshot}); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

func (s *memStore) Check(ctx context.Context, accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec, ok := s.state.attempts[accountID]
	if ok && rec.BlockedAt(now) {
		return &attempt.LockedError{
			BlockedUntil:     *rec.BlockedUntil,
			RemainingMinutes: clock.RemainingMinutes(*rec.BlockedUntil, now),
		}
	}
	return nil
}

func (s *memStore) RecordFailure(ctx context.Context, accountID uuid.UUID, ip string) (*models.AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec := s.state.attempts[accountID]
	rec.UserID = accountID
	rec.FailedCount++
	rec.LastAttempt = now
	rec.IPAddress = ip
	rec.BlockedUntil = nil
	if rec.FailedCount >= s.cfg.MaxFailures {
		until := now.Add(s.cfg.Lockout)
		rec.BlockedUntil = &until
	}
	s.state.attempts[accountID] = rec
	return &rec, nil
}

type memTx struct {
	store *memStore
	state *memState
}

func (t *memTx) ClearAttempts(ctx context.Context, accountID uuid.UUID) error {
	delete(t.state.attempts, accountID)
	return nil
}

func (t *memTx) ClaimKey(ctx context.Context, keyID, accountID uuid.UUID, now time.Time) (bool, error) {
	for code, k := range t.state.keys {
		if k.ID != keyID {
			continue
		}
		if k.IsUsed {
			return false, nil
		}
		k.IsUsed = true
		k.UsedBy = &accountID
		k.UsedAt = &now
		t.state.keys[code] = k
		return true, nil
	}
	return false, nil
}

func (t *memTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAccount(ctx context.Context, accountID uuid.UUID, requests int64, expiry *time.Time, resetExpired bool) error {
	a := t.state.accounts[accountID]
	a.Requests = requests
	a.ExpiryTime = expiry
	if resetExpired {
		a.IsExpired = false
	}
	t.state.accounts[accountID] = a
	return nil
}

func (t *memTx) AppendLedger(ctx context.Context, entry models.LedgerEntry) error {
	if t.store.failLedger != nil {
		return t.store.failLedger
	}
	entry.ID = uuid.New()
	t.state.ledger = append(t.state.ledger, entry)
	return nil
}
