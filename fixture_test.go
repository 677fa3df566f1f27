package accounts_test

import (
	"context"
	"testing"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/internal/testsupport"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db        *bun.DB
	repos     accounts.RepositoryManager
	directory *accounts.Directory
	cipher    *accounts.PasswordCipher
	clock     *testsupport.Clock
	sink      *recordingSink
}

func newFixture(t *testing.T, opts ...accounts.DirectoryOption) *fixture {
	t.Helper()

	db := testsupport.NewSQLiteDB(t)
	clock := testsupport.NewClock(epoch)
	sink := &recordingSink{}
	repos := accounts.NewRepositoryManager(db)
	require.NoError(t, repos.Validate())

	cipher := fastCipher()

	opts = append([]accounts.DirectoryOption{
		accounts.WithDirectoryClock(clock.Now),
		accounts.WithDirectoryLogger(accounts.NopLogger{}),
		accounts.WithDirectoryActivitySink(sink),
	}, opts...)

	return &fixture{
		db:        db,
		repos:     repos,
		directory: accounts.NewDirectory(repos, cipher, opts...),
		cipher:    cipher,
		clock:     clock,
		sink:      sink,
	}
}

func (f *fixture) signup(t *testing.T, in accounts.SignupInput) *accounts.Account {
	t.Helper()

	if in.Password == "" {
		in.Password = "s3cret-" + in.Name
	}

	account, err := f.directory.Signup(context.Background(), in)
	require.NoError(t, err)
	return account
}

func (f *fixture) reload(t *testing.T, account *accounts.Account) *accounts.Account {
	t.Helper()

	fresh, err := f.directory.Get(context.Background(), account.ID)
	require.NoError(t, err)
	return fresh
}

func (f *fixture) tokens(t *testing.T, opts ...accounts.TokenOption) *accounts.TokenService {
	t.Helper()

	opts = append([]accounts.TokenOption{
		accounts.WithTokenClock(f.clock.Now),
		accounts.WithTokenLogger(accounts.NopLogger{}),
	}, opts...)

	ts, err := accounts.NewTokenService(testTokenConfig(), f.repos.Revocations(), opts...)
	require.NoError(t, err)
	return ts
}

func (f *fixture) authenticator(t *testing.T, opts ...accounts.TokenOption) *accounts.Authenticator {
	t.Helper()

	return accounts.NewAuthenticator(f.repos, f.directory, f.tokens(t, opts...), f.cipher).
		WithLogger(accounts.NopLogger{}).
		WithActivitySink(f.sink).
		WithClock(f.clock.Now)
}
