package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-accounts/cache"
)

const revokedCachePrefix = "revoked:"

// TokenConfig holds the values required to mint tokens. All fields are
// mandatory.
type TokenConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Audience   []string
}

// Validate reports the first missing field
func (c TokenConfig) Validate() error {
	switch {
	case c.SigningKey == "":
		return newMissingConfigError("signing_key")
	case c.Issuer == "":
		return newMissingConfigError("issuer")
	case c.AccessTTL <= 0:
		return newMissingConfigError("access_ttl")
	case c.RefreshTTL <= 0:
		return newMissingConfigError("refresh_ttl")
	}
	return nil
}

// TokenService mints and validates access/refresh token pairs
type TokenService struct {
	signingKey     []byte
	issuer         string
	audience       jwt.ClaimStrings
	accessTTL      time.Duration
	refreshTTL     time.Duration
	revocations    Revocations
	cache          cache.Cache
	cacheTTL       time.Duration
	now            Clock
	logger         Logger
	revokeOnRotate bool
}

// TokenOption customizes a TokenService
type TokenOption func(*TokenService)

// WithTokenClock injects the clock used for issuing and validating tokens
func WithTokenClock(now Clock) TokenOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = utcClock(now)
		}
	}
}

// WithTokenLogger overrides the logger
func WithTokenLogger(logger Logger) TokenOption {
	return func(ts *TokenService) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// WithRevocationCache memoizes positive revocation lookups. Negative lookups
// are never cached so a fresh revocation is always observed.
func WithRevocationCache(c cache.Cache, ttl time.Duration) TokenOption {
	return func(ts *TokenService) {
		ts.cache = c
		if ttl > 0 {
			ts.cacheTTL = ttl
		}
	}
}

// WithRevokeOnRotation revokes the presented refresh token when a refresh
// call rotates it.
func WithRevokeOnRotation() TokenOption {
	return func(ts *TokenService) {
		ts.revokeOnRotate = true
	}
}

// NewTokenService validates cfg and returns a service. Missing configuration
// is a startup error.
func NewTokenService(cfg TokenConfig, revocations Revocations, opts ...TokenOption) (*TokenService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if revocations == nil {
		return nil, newMissingConfigError("revocations")
	}

	ts := &TokenService{
		signingKey:  []byte(cfg.SigningKey),
		issuer:      cfg.Issuer,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		revocations: revocations,
		cacheTTL:    5 * time.Minute,
		now:         utcClock(time.Now),
		logger:      defLogger{},
	}

	if len(cfg.Audience) > 0 {
		ts.audience = append(jwt.ClaimStrings(nil), cfg.Audience...)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts, nil
}

// AccessTTL returns the configured access token lifetime
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// RevokesOnRotation reports whether a rotated refresh token is revoked
func (ts *TokenService) RevokesOnRotation() bool {
	return ts.revokeOnRotate
}

// RefreshTTL returns the configured refresh token lifetime
func (ts *TokenService) RefreshTTL() time.Duration {
	return ts.refreshTTL
}

// IssueRefreshToken mints a refresh token for accountID
func (ts *TokenService) IssueRefreshToken(accountID string, audience ...string) (*IssuedToken, error) {
	claims := ts.newClaims(accountID, TokenTypeRefresh, ts.refreshTTL, audience)
	return ts.sign(claims)
}

// IssueAccessToken mints an access token tied to the refresh token parentID
func (ts *TokenService) IssueAccessToken(accountID, parentID string, audience ...string) (*IssuedToken, error) {
	if parentID == "" {
		return nil, goerrors.New("access tokens require a parent refresh token", goerrors.CategoryBadInput)
	}
	claims := ts.newClaims(accountID, TokenTypeAccess, ts.accessTTL, audience)
	claims.Parent = parentID
	return ts.sign(claims)
}

// IssueTokenPair is the single entry point used by login and refresh. When
// existing is nil a new refresh token is minted, otherwise it is reused as
// is. A fresh access token linked to the refresh token in play is always
// issued.
func (ts *TokenService) IssueTokenPair(accountID string, existing *IssuedToken) (*TokenPair, error) {
	refresh := existing
	if refresh == nil || refresh.Claims == nil {
		var err error
		if refresh, err = ts.IssueRefreshToken(accountID); err != nil {
			return nil, err
		}
	}

	access, err := ts.IssueAccessToken(accountID, refresh.Claims.TokenID(), refresh.Claims.Audience...)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.Claims.Expires(),
		RefreshExpiresAt: refresh.Claims.Expires(),
	}, nil
}

// IsEligibleForRotation reports whether more than half of the refresh TTL
// elapsed since the token was issued.
func (ts *TokenService) IsEligibleForRotation(refresh *TokenClaims) bool {
	if refresh == nil {
		return false
	}
	issued := refresh.Issued()
	if issued.IsZero() {
		return true
	}
	return ts.now().Sub(issued) > ts.refreshTTL/2
}

// IsRevoked reports whether a revocation entry exists for tokenID
func (ts *TokenService) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	key := revokedCachePrefix + tokenID
	if ts.cache != nil {
		if _, ok, err := ts.cache.Get(ctx, key); err != nil {
			ts.logger.Warn("revocation cache lookup failed", "token_id", tokenID, "error", err)
		} else if ok {
			return true, nil
		}
	}

	revoked, err := ts.revocations.IsRevoked(ctx, tokenID)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check token revocation")
	}

	if revoked && ts.cache != nil {
		if err := ts.cache.Set(ctx, key, "1", ts.cacheTTL); err != nil {
			ts.logger.Warn("revocation cache store failed", "token_id", tokenID, "error", err)
		}
	}

	return revoked, nil
}

// Validate reports whether token is valid. Signature, expiry and type
// failures return false without error. Revocation store failures are
// returned as errors.
func (ts *TokenService) Validate(ctx context.Context, token string, expected TokenType) (bool, error) {
	if _, err := ts.Inspect(ctx, token, expected); err != nil {
		if IsInvalidToken(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Inspect validates token and returns its claims. Any validation failure is
// reported as ErrInvalidToken. An empty expected type accepts both types.
func (ts *TokenService) Inspect(ctx context.Context, token string, expected TokenType) (*TokenClaims, error) {
	claims, err := ts.parse(token)
	if err != nil {
		return nil, err
	}

	if expected != "" && claims.Type != expected {
		ts.logger.Debug("token type mismatch", "expected", expected, "type", claims.Type)
		return nil, ErrInvalidToken
	}

	var revocationID string
	switch claims.Type {
	case TokenTypeRefresh:
		revocationID = claims.TokenID()
	case TokenTypeAccess:
		revocationID = claims.Parent
	default:
		return nil, ErrInvalidToken
	}

	if revocationID == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := ts.IsRevoked(ctx, revocationID)
	if err != nil {
		return nil, err
	}

	if revoked {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Revoke marks the refresh token behind claims as revoked. Revoking an access
// token revokes its parent, taking every sibling access token with it.
// Revoking twice is a no-op.
func (ts *TokenService) Revoke(ctx context.Context, claims *TokenClaims) error {
	if claims == nil {
		return ErrInvalidToken
	}

	tokenID := claims.TokenID()
	expiresAt := claims.Expires()
	if claims.IsAccess() {
		tokenID = claims.Parent
		// the parent outlives its children, keep the entry for a full refresh TTL
		expiresAt = claims.Issued().Add(ts.refreshTTL)
	}

	if tokenID == "" {
		return ErrInvalidToken
	}

	entry := &RevocationEntry{
		TokenID:   tokenID,
		AccountID: claims.AccountID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: ts.now(),
	}

	if err := ts.revocations.Revoke(ctx, entry); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to revoke token")
	}

	if ts.cache != nil {
		ttl := expiresAt.Sub(ts.now())
		if ttl > 0 {
			if err := ts.cache.Set(ctx, revokedCachePrefix+tokenID, "1", ttl); err != nil {
				ts.logger.Warn("revocation cache store failed", "token_id", tokenID, "error", err)
			}
		}
	}

	return nil
}

// PruneRevocations removes revocation entries for tokens that expired before
// cutoff. Those tokens fail validation on expiry alone.
func (ts *TokenService) PruneRevocations(ctx context.Context, cutoff time.Time) (int64, error) {
	return ts.revocations.PruneExpired(ctx, cutoff.UTC())
}

func (ts *TokenService) newClaims(accountID string, tokenType TokenType, ttl time.Duration, audience []string) *TokenClaims {
	now := ts.now()

	aud := ts.audience
	if len(audience) > 0 {
		aud = append(jwt.ClaimStrings(nil), audience...)
	}

	return &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   accountID,
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:      tokenType,
		AccountID: accountID,
	}
}

func (ts *TokenService) sign(claims *TokenClaims) (*IssuedToken, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)

	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}

	return &IssuedToken{
		Token:  signed,
		Claims: claims,
	}, nil
}

func (ts *TokenService) parse(tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ts.now),
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		ts.logger.Debug("token rejected", "error", err)
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
