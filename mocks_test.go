package accounts_test

import (
	"context"
	"sync"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
)

// MockAccounts implements accounts.Accounts for testing
type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) GetByID(ctx context.Context, id uuid.UUID) (*accounts.Account, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*accounts.Account)
	return record, args.Error(1)
}

func (m *MockAccounts) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*accounts.Account, error) {
	args := m.Called(ctx, tx, id)
	record, _ := args.Get(0).(*accounts.Account)
	return record, args.Error(1)
}

func (m *MockAccounts) GetByLogin(ctx context.Context, field accounts.LoginField, value string) (*accounts.Account, error) {
	args := m.Called(ctx, field, value)
	record, _ := args.Get(0).(*accounts.Account)
	return record, args.Error(1)
}

func (m *MockAccounts) GetByLoginTx(ctx context.Context, tx bun.IDB, field accounts.LoginField, value string) (*accounts.Account, error) {
	args := m.Called(ctx, tx, field, value)
	record, _ := args.Get(0).(*accounts.Account)
	return record, args.Error(1)
}

func (m *MockAccounts) Create(ctx context.Context, record *accounts.Account) (*accounts.Account, error) {
	args := m.Called(ctx, record)
	created, _ := args.Get(0).(*accounts.Account)
	return created, args.Error(1)
}

func (m *MockAccounts) CreateTx(ctx context.Context, tx bun.IDB, record *accounts.Account) (*accounts.Account, error) {
	args := m.Called(ctx, tx, record)
	created, _ := args.Get(0).(*accounts.Account)
	return created, args.Error(1)
}

func (m *MockAccounts) ExistsTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error) {
	args := m.Called(ctx, tx, column, value, exclude)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccounts) UpdateState(ctx context.Context, from accounts.AccountState, upd *accounts.StateUpdate) error {
	args := m.Called(ctx, from, upd)
	return args.Error(0)
}

func (m *MockAccounts) UpdateStateTx(ctx context.Context, tx bun.IDB, from accounts.AccountState, upd *accounts.StateUpdate) error {
	args := m.Called(ctx, tx, from, upd)
	return args.Error(0)
}

func (m *MockAccounts) UpdateColumnsTx(ctx context.Context, tx bun.IDB, record *accounts.Account, allowed []accounts.AccountState, columns ...string) error {
	args := m.Called(ctx, tx, record, allowed, columns)
	return args.Error(0)
}

func (m *MockAccounts) TrackSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockAccounts) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, tx, id, at)
	return args.Error(0)
}

func (m *MockAccounts) ListSuspensionsEndedTx(ctx context.Context, tx bun.IDB, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, tx, now, after, limit)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Error(1)
}

func (m *MockAccounts) ListDormancyCandidatesTx(ctx context.Context, tx bun.IDB, cutoff time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, tx, cutoff, after, limit)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Error(1)
}

// memoryRevocations is an in memory accounts.Revocations
type memoryRevocations struct {
	mu      sync.Mutex
	entries map[string]*accounts.RevocationEntry
	lookups int
	err     error
}

func newMemoryRevocations() *memoryRevocations {
	return &memoryRevocations{entries: map[string]*accounts.RevocationEntry{}}
}

func (r *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return false, r.err
	}
	_, ok := r.entries[tokenID]
	return ok, nil
}

func (r *memoryRevocations) Revoke(_ context.Context, entry *accounts.RevocationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.entries[entry.TokenID]; !ok {
		r.entries[entry.TokenID] = entry
	}
	return nil
}

func (r *memoryRevocations) PruneExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned int64
	for id, entry := range r.entries {
		if entry.ExpiresAt.Before(cutoff) {
			delete(r.entries, id)
			pruned++
		}
	}
	return pruned, nil
}

func (r *memoryRevocations) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *memoryRevocations) lookupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

// recordingSink collects activity events
type recordingSink struct {
	mu     sync.Mutex
	events []accounts.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event accounts.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(eventType accounts.ActivityEventType) []accounts.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []accounts.ActivityEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
