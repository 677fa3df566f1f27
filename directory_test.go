package accounts_test

import (
	"context"
	"sync"
	"testing"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = accounts.ActorRef{ID: "admin-1", Type: "admin"}

func TestSignupSuspendAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, accounts.SignupInput{
		Name:  "alice",
		Email: "a@x.com",
		Phone: "010-1111-2222",
	})
	assert.Equal(t, accounts.AccountStateActive, alice.State)
	require.NotNil(t, alice.Phone)
	assert.Equal(t, "+821011112222", *alice.Phone)
	assert.Equal(t, "alice", alice.Nickname)
	assert.True(t, alice.HasPassword())

	_, err := f.directory.Signup(ctx, accounts.SignupInput{
		Name:     "alice",
		Email:    "b@x.com",
		Phone:    "010-3333-4444",
		Password: "other",
	})
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeNameAlreadyUsed))
	assert.True(t, accounts.IsValidationError(err))

	suspended, err := f.directory.Suspend(ctx, admin, alice.ID, f.clock.Now().Add(48*time.Hour), "abuse")
	require.NoError(t, err)
	assert.Equal(t, accounts.AccountStateSuspended, suspended.State)

	ledger, err := f.repos.Suspensions().ListByAccount(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "abuse", ledger[0].SuspendedReason)
	assert.Equal(t, admin.ID, ledger[0].ActorID)

	f.clock.Advance(72 * time.Hour)

	report := f.directory.ReleaseSuspensions(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Affected)

	released := f.reload(t, alice)
	assert.Equal(t, accounts.AccountStateActive, released.State)
	assert.Nil(t, released.SuspendedAt)
	assert.Nil(t, released.SuspendedEndAt)
	assert.Nil(t, released.SuspendedReason)

	ledger, err = f.repos.Suspensions().ListByAccount(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "abuse", ledger[0].SuspendedReason)
}

func TestSignupRejectsDuplicateIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.signup(t, accounts.SignupInput{Name: "alice", Email: "a@x.com", Phone: "010-1111-2222"})

	_, err := f.directory.Signup(ctx, accounts.SignupInput{Name: "bob", Email: "A@X.com"})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeEmailAlreadyUsed))

	_, err = f.directory.Signup(ctx, accounts.SignupInput{Name: "bob", Phone: "+82 10-1111-2222"})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodePhoneAlreadyUsed))

	exists, err := f.directory.IsExistsName(ctx, " alice ")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.directory.IsExistsEmail(ctx, "A@x.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.directory.IsExistsPhoneNumber(ctx, "01011112222")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.directory.IsExistsName(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSignupValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   accounts.SignupInput
	}{
		{"missing name", accounts.SignupInput{Email: "a@x.com"}},
		{"short name", accounts.SignupInput{Name: "a"}},
		{"bad email", accounts.SignupInput{Name: "alice", Email: "not-an-email"}},
		{"bad phone", accounts.SignupInput{Name: "alice", Phone: "call me"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.directory.Signup(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, accounts.IsValidationError(err))
			assert.True(t, accounts.HasTextCode(err, accounts.TextCodeInvalidInput))
		})
	}
}

func TestSignupDeterministicIDs(t *testing.T) {
	f := newFixture(t, accounts.WithDeterministicIDs(true))

	alice := f.signup(t, accounts.SignupInput{Name: "alice"})

	expected, err := hashid.NewUUID("alice")
	require.NoError(t, err)
	assert.Equal(t, expected, alice.ID)
}

func TestConcurrentSignupWithSameName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 2
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.directory.Signup(ctx, accounts.SignupInput{Name: "racer", Password: "pw"})
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case accounts.HasTextCode(err, accounts.TextCodeNameAlreadyUsed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
}

func TestActivatePendingAccount(t *testing.T) {
	f := newFixture(t, accounts.WithSignupState(accounts.AccountStatePending))
	ctx := context.Background()

	pending := f.signup(t, accounts.SignupInput{Name: "pending"})
	assert.Equal(t, accounts.AccountStatePending, pending.State)

	active, err := f.directory.Activate(ctx, admin, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.AccountStateActive, active.State)

	_, err = f.directory.Activate(ctx, admin, pending.ID)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeInvalidTransition))
}

func TestSuspendRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, accounts.SignupInput{Name: "alice"})

	_, err := f.directory.Suspend(ctx, admin, alice.ID, f.clock.Now(), "now")
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeInvalidSuspensionAt))

	_, err = f.directory.Suspend(ctx, admin, alice.ID, f.clock.Now().Add(time.Hour), "first")
	require.NoError(t, err)

	_, err = f.directory.Suspend(ctx, admin, alice.ID, f.clock.Now().Add(2*time.Hour), "second")
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeInvalidTransition))

	ledger, err := f.repos.Suspensions().ListByAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	_, err = f.directory.Suspend(ctx, admin, uuid.New(), f.clock.Now().Add(time.Hour), "missing")
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeAccountNotFound))
}

func TestReleaseSuspensionsBoundary(t *testing.T) {
	f := newFixture(t, accounts.WithBatchSize(1))
	ctx := context.Background()
	start := f.clock.Now()

	ended := f.signup(t, accounts.SignupInput{Name: "ended"})
	pending := f.signup(t, accounts.SignupInput{Name: "pending"})

	_, err := f.directory.Suspend(ctx, admin, ended.ID, start.Add(10*time.Second), "short")
	require.NoError(t, err)
	_, err = f.directory.Suspend(ctx, admin, pending.ID, start.Add(12*time.Second), "longer")
	require.NoError(t, err)

	f.clock.Set(start.Add(11 * time.Second))

	report := f.directory.ReleaseSuspensions(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Affected)

	assert.Equal(t, accounts.AccountStateActive, f.reload(t, ended).State)
	assert.Equal(t, accounts.AccountStateSuspended, f.reload(t, pending).State)

	f.clock.Set(start.Add(12 * time.Second))

	report = f.directory.ReleaseSuspensions(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Affected)
	assert.Equal(t, accounts.AccountStateActive, f.reload(t, pending).State)
}

func TestMakeDormantIsIdempotent(t *testing.T) {
	f := newFixture(t, accounts.WithBatchSize(1))
	ctx := context.Background()

	idle := f.signup(t, accounts.SignupInput{Name: "idle", Email: "idle@x.com", Phone: "010-5555-6666"})
	blocked := f.signup(t, accounts.SignupInput{Name: "blocked"})
	recent := f.signup(t, accounts.SignupInput{Name: "recent"})

	_, err := f.directory.Suspend(ctx, admin, blocked.ID, f.clock.Now().Add(1000*24*time.Hour), "long")
	require.NoError(t, err)

	f.clock.Advance(200 * 24 * time.Hour)
	require.NoError(t, f.repos.Accounts().TrackSuccessfulLogin(ctx, recent.ID, f.clock.Now()))
	f.clock.Advance(200 * 24 * time.Hour)

	report := f.directory.MakeDormant(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 2, report.Affected)

	parked := f.reload(t, idle)
	assert.Equal(t, accounts.AccountStateInactive, parked.State)
	assert.Nil(t, parked.Name)
	assert.Nil(t, parked.Email)
	assert.Nil(t, parked.Phone)
	assert.Equal(t, accounts.DefaultDormantPlaceholder, parked.Nickname)
	assert.Equal(t, accounts.DefaultDormantPlaceholder, parked.Realname)
	assert.False(t, parked.HasPassword())
	require.NotNil(t, parked.DormantAt)

	record, err := f.repos.Sleepers().Get(ctx, idle.ID)
	require.NoError(t, err)
	require.NotNil(t, record.Name)
	assert.Equal(t, "idle", *record.Name)
	assert.True(t, record.HasPassword())

	assert.Equal(t, accounts.AccountStateInactive, f.reload(t, blocked).State)
	assert.Equal(t, accounts.AccountStateActive, f.reload(t, recent).State)

	again := f.directory.MakeDormant(ctx)
	require.NoError(t, again.Err())
	assert.Zero(t, again.Selected)
	assert.Zero(t, again.Affected)

	events := f.sink.ofType(accounts.ActivityEventStateChanged)
	dormant := 0
	for _, e := range events {
		if e.ToState == accounts.AccountStateInactive {
			dormant++
		}
	}
	assert.Equal(t, 2, dormant)
}

func TestDormantIdentifiersStayReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.signup(t, accounts.SignupInput{Name: "sleepy", Email: "sleepy@x.com"})
	f.clock.Advance(366 * 24 * time.Hour)
	require.NoError(t, f.directory.MakeDormant(ctx).Err())

	exists, err := f.directory.IsExistsName(ctx, "sleepy")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = f.directory.Signup(ctx, accounts.SignupInput{Name: "sleepy"})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeNameAlreadyUsed))

	_, err = f.directory.Signup(ctx, accounts.SignupInput{Name: "other", Email: "sleepy@x.com"})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeEmailAlreadyUsed))
}

func TestWakeUpRestoresArchivedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original := f.signup(t, accounts.SignupInput{
		Name:     "nn",
		Email:    "e@x.com",
		Phone:    "010-7777-8888",
		Realname: "Real Name",
	})

	f.clock.Advance(366 * 24 * time.Hour)
	require.NoError(t, f.directory.MakeDormant(ctx).Err())

	woken, err := f.directory.WakeUp(ctx, admin, original.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.AccountStateActive, woken.State)

	restored := f.reload(t, original)
	assert.Equal(t, accounts.AccountStateActive, restored.State)
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Email, restored.Email)
	assert.Equal(t, original.Phone, restored.Phone)
	assert.Equal(t, original.Nickname, restored.Nickname)
	assert.Equal(t, original.Realname, restored.Realname)
	assert.Equal(t, original.PasswordHash, restored.PasswordHash)
	assert.Equal(t, original.Salt, restored.Salt)
	assert.Nil(t, restored.DormantAt)

	_, err = f.repos.Sleepers().Get(ctx, original.ID)
	assert.True(t, accounts.IsNotFoundError(err))
}

func TestWakeUpKeepsOpenSuspension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocked := f.signup(t, accounts.SignupInput{Name: "blocked"})
	_, err := f.directory.Suspend(ctx, admin, blocked.ID, f.clock.Now().Add(1000*24*time.Hour), "long")
	require.NoError(t, err)

	f.clock.Advance(366 * 24 * time.Hour)
	require.NoError(t, f.directory.MakeDormant(ctx).Err())

	woken, err := f.directory.WakeUp(ctx, admin, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.AccountStateSuspended, woken.State)
	require.NotNil(t, woken.SuspendedReason)
	assert.Equal(t, "long", *woken.SuspendedReason)
}

func TestWakeUpWithoutSleeperRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	awake := f.signup(t, accounts.SignupInput{Name: "awake"})

	_, err := f.directory.WakeUp(ctx, admin, awake.ID)
	require.Error(t, err)
	assert.True(t, accounts.IsNotFoundError(err))
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeSleeperNotFound))
	assert.Equal(t, accounts.AccountStateActive, f.reload(t, awake).State)
}

func TestStaleTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, accounts.SignupInput{Name: "alice"})
	stale := f.reload(t, alice)

	_, err := f.directory.Suspend(ctx, admin, alice.ID, f.clock.Now().Add(time.Hour), "abuse")
	require.NoError(t, err)

	sm := accounts.NewAccountStateMachine(f.repos.Accounts())
	_, err = sm.Transition(ctx, admin, stale, accounts.AccountStateLeaved)
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeStateConflict))

	assert.Equal(t, accounts.AccountStateSuspended, f.reload(t, alice).State)
}

func TestLeaveAndPurgeArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	gone := f.signup(t, accounts.SignupInput{Name: "gone", Email: "gone@x.com", Realname: "Gone"})

	leaved, err := f.directory.Leave(ctx, accounts.ActorRef{ID: gone.ID.String(), Type: "account"}, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.AccountStateLeaved, leaved.State)
	require.NotNil(t, leaved.ExpireAt)
	assert.True(t, leaved.ExpireAt.Equal(start.Add(accounts.DefaultLeaveExpiry)))

	archived, err := f.repos.Leaved().Get(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gone", archived.Realname)

	_, err = f.directory.Suspend(ctx, admin, gone.ID, f.clock.Now().Add(time.Hour), "late")
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeTerminalState))

	_, err = f.directory.Leave(ctx, admin, gone.ID)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeTerminalState))

	purged, err := f.directory.PurgeLeavedArchive(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	f.clock.Advance(accounts.DefaultLeavedRetention + time.Hour)

	purged, err = f.directory.PurgeLeavedArchive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = f.repos.Leaved().Get(ctx, gone.ID)
	assert.True(t, accounts.IsNotFoundError(err))
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, accounts.SignupInput{Name: "alice", Email: "a@x.com"})
	f.signup(t, accounts.SignupInput{Name: "bob", Email: "b@x.com"})

	empty := ""
	_, err := f.directory.UpdateProfile(ctx, admin, alice.ID, accounts.ProfileUpdate{Name: &empty})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeNameNotNullable))

	_, err = f.directory.UpdateProfile(ctx, admin, alice.ID, accounts.ProfileUpdate{Password: &empty})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeEmptyPassword))

	taken := "b@x.com"
	_, err = f.directory.UpdateProfile(ctx, admin, alice.ID, accounts.ProfileUpdate{Email: &taken})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeEmailAlreadyUsed))

	own := "alice"
	nickname := "Ally"
	password := "n3w-password"
	updated, err := f.directory.UpdateProfile(ctx, admin, alice.ID, accounts.ProfileUpdate{
		Name:     &own,
		Email:    &empty,
		Nickname: &nickname,
		Password: &password,
	})
	require.NoError(t, err)
	assert.Nil(t, updated.Email)
	assert.Equal(t, "Ally", updated.Nickname)

	fresh := f.reload(t, alice)
	assert.Nil(t, fresh.Email)
	assert.Equal(t, alice.Salt, fresh.Salt)
	assert.NotEqual(t, alice.PasswordHash, fresh.PasswordHash)

	ok, err := f.cipher.Compare(password, fresh.Salt, fresh.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateProfileRejectsDormantAndLeaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sleepy := f.signup(t, accounts.SignupInput{Name: "sleepy"})
	f.clock.Advance(366 * 24 * time.Hour)
	require.NoError(t, f.directory.MakeDormant(ctx).Err())

	nickname := "zzz"
	_, err := f.directory.UpdateProfile(ctx, admin, sleepy.ID, accounts.ProfileUpdate{Nickname: &nickname})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeAccountDormant))

	gone := f.signup(t, accounts.SignupInput{Name: "gone"})
	_, err = f.directory.Leave(ctx, admin, gone.ID)
	require.NoError(t, err)

	_, err = f.directory.UpdateProfile(ctx, admin, gone.ID, accounts.ProfileUpdate{Nickname: &nickname})
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeTerminalState))
}

func TestUpdateMemo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, accounts.SignupInput{Name: "alice"})

	updated, err := f.directory.UpdateMemo(ctx, admin, alice.ID, "called support twice")
	require.NoError(t, err)
	assert.Equal(t, "called support twice", updated.Memo)
	assert.Equal(t, "called support twice", f.reload(t, alice).Memo)
	assert.Len(t, f.sink.ofType(accounts.ActivityEventMemoUpdated), 1)
}

func TestGetUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.directory.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, accounts.HasTextCode(err, accounts.TextCodeAccountNotFound))
}

func TestMakeDormantIsolatesFailingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	healthy := f.signup(t, accounts.SignupInput{Name: "healthy"})
	stale := f.signup(t, accounts.SignupInput{Name: "stale"})

	// a leftover sleeper row makes archiving stale fail
	_, err := f.db.NewInsert().
		Model(&accounts.SleeperRecord{AccountID: stale.ID, CreatedAt: f.clock.Now()}).
		Exec(ctx)
	require.NoError(t, err)

	f.clock.Advance(366 * 24 * time.Hour)

	report := f.directory.MakeDormant(ctx)
	require.Error(t, report.Err())
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 1, report.Affected)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.FailedBatches)

	assert.Equal(t, accounts.AccountStateInactive, f.reload(t, healthy).State)

	kept := f.reload(t, stale)
	assert.Equal(t, accounts.AccountStateActive, kept.State)
	require.NotNil(t, kept.Name)
	assert.Equal(t, "stale", *kept.Name)
	assert.True(t, kept.HasPassword())

	events := f.sink.ofType(accounts.ActivityEventStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, healthy.ID.String(), events[0].AccountID)
	assert.Equal(t, accounts.AccountStateInactive, events[0].ToState)
}

func TestRolledBackLeaveEmitsNoActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	gone := f.signup(t, accounts.SignupInput{Name: "gone"})

	_, err := f.db.NewInsert().
		Model(&accounts.LeavedAccount{AccountID: gone.ID, LeavedAt: now, ExpireAt: now, CreatedAt: now}).
		Exec(ctx)
	require.NoError(t, err)

	_, err = f.directory.Leave(ctx, admin, gone.ID)
	require.Error(t, err)

	assert.Equal(t, accounts.AccountStateActive, f.reload(t, gone).State)
	assert.Empty(t, f.sink.ofType(accounts.ActivityEventStateChanged))

	_, err = f.directory.Suspend(ctx, admin, gone.ID, now.Add(time.Hour), "spam")
	require.NoError(t, err)

	events := f.sink.ofType(accounts.ActivityEventStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, accounts.AccountStateSuspended, events[0].ToState)
}

func TestCreateMapsUniqueViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	str := func(s string) *string { return &s }

	_, err := f.repos.Accounts().Create(ctx, &accounts.Account{
		Name:  str("taken"),
		Email: str("taken@x.com"),
		Phone: str("+821000000001"),
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		account  *accounts.Account
		textCode string
	}{
		{
			name:     "name",
			account:  &accounts.Account{Name: str("taken"), Email: str("other1@x.com"), Phone: str("+821000000002")},
			textCode: accounts.TextCodeNameAlreadyUsed,
		},
		{
			name:     "email",
			account:  &accounts.Account{Name: str("other2"), Email: str("taken@x.com"), Phone: str("+821000000003")},
			textCode: accounts.TextCodeEmailAlreadyUsed,
		},
		{
			name:     "phone",
			account:  &accounts.Account{Name: str("other3"), Email: str("other3@x.com"), Phone: str("+821000000001")},
			textCode: accounts.TextCodePhoneAlreadyUsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.repos.Accounts().Create(ctx, tt.account)
			require.Error(t, err)
			assert.True(t, accounts.HasTextCode(err, tt.textCode), "got %v", err)
			assert.True(t, accounts.IsValidationError(err))
		})
	}
}
