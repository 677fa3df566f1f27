package accounts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAccountStateMachineTransitionToSuspendedWritesUpdates(t *testing.T) {
	repo := &MockAccounts{}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	endAt := now.Add(48 * time.Hour)
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStateActive,
	}

	repo.On("UpdateState", mock.Anything, accounts.AccountStateActive, mock.MatchedBy(func(upd *accounts.StateUpdate) bool {
		return upd.Account.State == accounts.AccountStateSuspended &&
			upd.Account.SuspendedEndAt != nil && upd.Account.SuspendedEndAt.Equal(endAt) &&
			assert.ObjectsAreEqual([]string{"suspended_at", "suspended_end_at", "suspended_reason"}, upd.Columns)
	})).Return(nil).Once()

	sink := &recordingSink{}
	sm := accounts.NewAccountStateMachine(repo,
		accounts.WithStateMachineClock(func() time.Time { return now }),
		accounts.WithStateMachineActivitySink(sink),
	)

	result, err := sm.Transition(context.Background(), accounts.ActorRef{ID: "admin"}, account, accounts.AccountStateSuspended,
		accounts.WithTransitionReason("abuse"),
		accounts.WithStateUpdates(accounts.WithSuspension(now, endAt, "abuse")),
	)
	require.NoError(t, err)
	assert.True(t, result.IsSuspended())
	require.NotNil(t, result.SuspendedReason)
	assert.Equal(t, "abuse", *result.SuspendedReason)
	assert.Equal(t, now, result.UpdatedAt)
	repo.AssertExpectations(t)

	events := sink.ofType(accounts.ActivityEventStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, accounts.AccountStateActive, events[0].FromState)
	assert.Equal(t, accounts.AccountStateSuspended, events[0].ToState)
	assert.Equal(t, "abuse", events[0].Metadata["reason"])
	assert.Equal(t, "admin", events[0].Actor.ID)
}

func TestAccountStateMachineRejectsInvalidTransition(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStatePending,
	}

	sm := accounts.NewAccountStateMachine(repo)

	_, err := sm.Transition(context.Background(), accounts.ActorRef{}, account, accounts.AccountStateSuspended)
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeInvalidTransition))
	repo.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountStateMachineLeavedIsTerminal(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStateLeaved,
	}

	sm := accounts.NewAccountStateMachine(repo)

	for _, target := range []accounts.AccountState{
		accounts.AccountStateActive,
		accounts.AccountStateSuspended,
		accounts.AccountStateInactive,
	} {
		_, err := sm.Transition(context.Background(), accounts.ActorRef{}, account, target)
		require.Error(t, err)
		assert.True(t, accounts.HasTextCode(err, accounts.TextCodeTerminalState))
	}
	repo.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountStateMachineForceTransitionBypassesValidation(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStatePending,
	}

	repo.On("UpdateState", mock.Anything, accounts.AccountStatePending, mock.Anything).Return(nil).Once()

	sm := accounts.NewAccountStateMachine(repo)

	result, err := sm.Transition(context.Background(), accounts.ActorRef{}, account, accounts.AccountStateSuspended,
		accounts.WithForceTransition(),
	)
	require.NoError(t, err)
	assert.True(t, result.IsSuspended())
	repo.AssertExpectations(t)
}

func TestAccountStateMachineConflictLeavesAccountUntouched(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		Name:  stringRef("alice"),
		State: accounts.AccountStateActive,
	}

	repo.On("UpdateState", mock.Anything, accounts.AccountStateActive, mock.Anything).
		Return(accounts.ErrStateConflict).Once()

	sm := accounts.NewAccountStateMachine(repo)

	_, err := sm.Transition(context.Background(), accounts.SystemActor, account, accounts.AccountStateInactive,
		accounts.WithStateUpdates(accounts.WithDormancy(time.Now(), "dormant")),
	)
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeStateConflict))
	assert.Equal(t, accounts.AccountStateActive, account.State)
	require.NotNil(t, account.Name)
	assert.Equal(t, "alice", *account.Name)
}

func TestAccountStateMachineHooks(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStateSuspended,
	}

	var calls []string
	before := func(_ context.Context, tc accounts.TransitionContext) error {
		calls = append(calls, "before:"+string(tc.From)+">"+string(tc.To))
		return nil
	}
	after := func(_ context.Context, tc accounts.TransitionContext) error {
		calls = append(calls, "after")
		return nil
	}

	repo.On("UpdateState", mock.Anything, accounts.AccountStateSuspended, mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "update") }).
		Return(nil).Once()

	sm := accounts.NewAccountStateMachine(repo)

	_, err := sm.Transition(context.Background(), accounts.SystemActor, account, accounts.AccountStateActive,
		accounts.WithBeforeTransitionHook(before),
		accounts.WithAfterTransitionHook(after),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"before:SUSPENDED>ACTIVE", "update", "after"}, calls)
}

func TestAccountStateMachineBeforeHookErrorAborts(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{
		ID:    uuid.New(),
		State: accounts.AccountStateActive,
	}

	hookErr := errors.New("denied")
	var handled accounts.TransitionHookPhase

	sm := accounts.NewAccountStateMachine(repo,
		accounts.WithStateMachineHookErrorHandler(func(_ context.Context, phase accounts.TransitionHookPhase, err error, _ accounts.TransitionContext) error {
			handled = phase
			return err
		}),
	)

	_, err := sm.Transition(context.Background(), accounts.SystemActor, account, accounts.AccountStateLeaved,
		accounts.WithBeforeTransitionHook(func(context.Context, accounts.TransitionContext) error { return hookErr }),
	)
	require.ErrorIs(t, err, hookErr)
	assert.Equal(t, accounts.HookPhaseBefore, handled)
	assert.Equal(t, accounts.AccountStateActive, account.State)
	repo.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountStateMachineSameStateIsNoop(t *testing.T) {
	repo := &MockAccounts{}
	account := &accounts.Account{ID: uuid.New(), State: accounts.AccountStateActive}

	sm := accounts.NewAccountStateMachine(repo)

	result, err := sm.Transition(context.Background(), accounts.SystemActor, account, accounts.AccountStateActive)
	require.NoError(t, err)
	assert.Same(t, account, result)
	repo.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything)
}

func TestCanTransition(t *testing.T) {
	sm := accounts.NewAccountStateMachine(&MockAccounts{})

	allowed := [][2]accounts.AccountState{
		{accounts.AccountStatePending, accounts.AccountStateActive},
		{accounts.AccountStateActive, accounts.AccountStateSuspended},
		{accounts.AccountStateActive, accounts.AccountStateInactive},
		{accounts.AccountStateActive, accounts.AccountStateLeaved},
		{accounts.AccountStateSuspended, accounts.AccountStateActive},
		{accounts.AccountStateSuspended, accounts.AccountStateInactive},
		{accounts.AccountStateInactive, accounts.AccountStateActive},
		{accounts.AccountStateInactive, accounts.AccountStateSuspended},
	}
	for _, pair := range allowed {
		assert.True(t, sm.CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]accounts.AccountState{
		{accounts.AccountStatePending, accounts.AccountStateSuspended},
		{accounts.AccountStateInactive, accounts.AccountStateLeaved},
		{accounts.AccountStateLeaved, accounts.AccountStateActive},
	}
	for _, pair := range denied {
		assert.False(t, sm.CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func stringRef(s string) *string {
	return &s
}
