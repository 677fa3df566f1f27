package accounts

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Authenticator is the boundary used by the binding layer for login,
// refresh, logout and signup.
type Authenticator struct {
	repos        RepositoryManager
	directory    *Directory
	tokens       *TokenService
	cipher       *PasswordCipher
	loginField   LoginField
	logger       Logger
	activitySink ActivitySink
	now          Clock
	dummySalt    Salt
}

// NewAuthenticator returns an Authenticator that logs accounts in by name
func NewAuthenticator(repos RepositoryManager, directory *Directory, tokens *TokenService, cipher *PasswordCipher) *Authenticator {
	if cipher == nil {
		cipher = NewPasswordCipher()
	}

	dummySalt, err := cipher.GenerateSalt()
	if err != nil {
		dummySalt = make(Salt, DefaultSaltLength)
	}

	return &Authenticator{
		repos:        repos,
		directory:    directory,
		tokens:       tokens,
		cipher:       cipher,
		loginField:   LoginByName,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          utcClock(time.Now),
		dummySalt:    dummySalt,
	}
}

// WithLogger overrides the logger
func (s *Authenticator) WithLogger(logger Logger) *Authenticator {
	s.logger = normalizeLogger(logger)
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Authenticator) WithActivitySink(sink ActivitySink) *Authenticator {
	s.activitySink = normalizeActivitySink(sink)
	return s
}

// WithLoginField selects the column used as login identifier
func (s *Authenticator) WithLoginField(field LoginField) *Authenticator {
	s.loginField = field
	return s
}

// WithClock injects the clock used to stamp logins
func (s *Authenticator) WithClock(now Clock) *Authenticator {
	if now != nil {
		s.now = utcClock(now)
	}
	return s
}

// TokenService returns the TokenService used by this Authenticator
func (s *Authenticator) TokenService() *TokenService {
	return s.tokens
}

// LoginField returns the configured login field
func (s *Authenticator) LoginField() LoginField {
	return s.loginField
}

// Login verifies identifier and password and issues a fresh token pair.
// Unknown identifiers and wrong passwords are indistinguishable.
func (s *Authenticator) Login(ctx context.Context, identifier, password string) (*TokenPair, error) {
	identifier = s.normalizeIdentifier(identifier)

	account, err := s.repos.Accounts().GetByLogin(ctx, s.loginField, identifier)
	if err != nil {
		if !IsNotFoundError(err) {
			s.logger.Error("login lookup failed", "error", err)
			return nil, passThroughOrWrap(err, "failed to load account")
		}
		return nil, s.loginUnknown(ctx, identifier, password)
	}

	if !account.HasPassword() {
		s.burnCompare(password)
		s.loginFailed(ctx, account.ID.String(), identifier, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	ok, err := s.cipher.Compare(password, account.Salt, account.PasswordHash)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to verify password")
	}

	if !ok {
		s.loginFailed(ctx, account.ID.String(), identifier, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if err := s.ensureCanAuthenticate(account); err != nil {
		s.logger.Warn("login blocked due to account state", "state", account.State, "error", err)
		s.loginFailed(ctx, account.ID.String(), identifier, err)
		return nil, err
	}

	if err := s.repos.Accounts().TrackSuccessfulLogin(ctx, account.ID, s.now()); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to track login")
	}

	pair, err := s.tokens.IssueTokenPair(account.ID.String(), nil)
	if err != nil {
		return nil, err
	}

	s.emitAuthEvent(ctx, ActivityEventLoginSuccess, account.ID.String(), map[string]any{
		"identifier": identifier,
	})

	return pair, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token is reused until more than half of its lifetime elapsed.
func (s *Authenticator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Inspect(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(claims.AccountID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	account, err := s.repos.Accounts().GetByID(ctx, id)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, ErrInvalidToken
		}
		return nil, passThroughOrWrap(err, "failed to load account")
	}

	if err := s.ensureCanAuthenticate(account); err != nil {
		return nil, err
	}

	var existing *IssuedToken
	rotate := s.tokens.IsEligibleForRotation(claims)
	if !rotate {
		existing = &IssuedToken{Token: refreshToken, Claims: claims}
	}

	pair, err := s.tokens.IssueTokenPair(account.ID.String(), existing)
	if err != nil {
		return nil, err
	}
	pair.Rotated = rotate

	if rotate && s.tokens.RevokesOnRotation() {
		if err := s.tokens.Revoke(ctx, claims); err != nil {
			return nil, err
		}
	}

	s.emitAuthEvent(ctx, ActivityEventTokenRefreshed, account.ID.String(), map[string]any{
		"rotated": rotate,
	})

	return pair, nil
}

// Logout revokes the refresh token behind token. Passing an access token
// revokes its parent refresh token.
func (s *Authenticator) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Inspect(ctx, token, "")
	if err != nil {
		return err
	}

	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return err
	}

	s.emitAuthEvent(ctx, ActivityEventLogout, claims.AccountID, nil)
	return nil
}

// Authenticate validates an access token and returns its claims
func (s *Authenticator) Authenticate(ctx context.Context, accessToken string) (*TokenClaims, error) {
	return s.tokens.Inspect(ctx, accessToken, TokenTypeAccess)
}

// Signup creates an account and, when it starts ACTIVE, logs it in
func (s *Authenticator) Signup(ctx context.Context, in SignupInput) (*Account, *TokenPair, error) {
	account, err := s.directory.Signup(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	if !account.IsActive() {
		return account, nil, nil
	}

	pair, err := s.tokens.IssueTokenPair(account.ID.String(), nil)
	if err != nil {
		return nil, nil, err
	}

	return account, pair, nil
}

// loginUnknown handles identifiers with no live account. Credentials parked
// in a sleeper record produce ErrAccountDormant, and only when they verify.
func (s *Authenticator) loginUnknown(ctx context.Context, identifier, password string) error {
	record, err := s.repos.Sleepers().GetByLogin(ctx, s.loginField, identifier)
	if err != nil {
		if !IsNotFoundError(err) {
			return passThroughOrWrap(err, "failed to load sleeper record")
		}
		s.burnCompare(password)
		s.loginFailed(ctx, "", identifier, ErrInvalidCredentials)
		return ErrInvalidCredentials
	}

	if !record.HasPassword() {
		s.burnCompare(password)
		s.loginFailed(ctx, "", identifier, ErrInvalidCredentials)
		return ErrInvalidCredentials
	}

	ok, err := s.cipher.Compare(password, record.Salt, record.PasswordHash)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to verify password")
	}

	if !ok {
		s.loginFailed(ctx, "", identifier, ErrInvalidCredentials)
		return ErrInvalidCredentials
	}

	dormantErr := newAccountDormantError(record.AccountID)
	s.loginFailed(ctx, record.AccountID.String(), identifier, dormantErr)
	return dormantErr
}

func (s *Authenticator) ensureCanAuthenticate(account *Account) error {
	switch account.State {
	case AccountStateActive:
		return nil
	case AccountStateSuspended:
		return newAccountSuspendedError(account.SuspendedEndAt)
	case AccountStateInactive:
		return newAccountDormantError(account.ID)
	default:
		return ErrAccountUnavailable
	}
}

// burnCompare spends one KDF run so unknown identifiers take as long as
// wrong passwords.
func (s *Authenticator) burnCompare(password string) {
	_, _ = s.cipher.Compare(password, s.dummySalt, nil)
}

func (s *Authenticator) normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if s.loginField == LoginByEmail {
		identifier = strings.ToLower(identifier)
	}
	return identifier
}

func (s *Authenticator) loginFailed(ctx context.Context, accountID, identifier string, err error) {
	s.emitAuthEvent(ctx, ActivityEventLoginFailure, accountID, map[string]any{
		"identifier": identifier,
		"error":      TextCode(err),
	})
}

func (s *Authenticator) emitAuthEvent(ctx context.Context, eventType ActivityEventType, accountID string, metadata map[string]any) {
	actor := ActorRef{Type: "unknown"}
	if accountID != "" {
		actor = ActorRef{ID: accountID, Type: "account"}
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType: eventType,
		Actor:     actor,
		AccountID: accountID,
		Metadata:  metadata,
	})
}
