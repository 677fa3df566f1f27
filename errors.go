package accounts

import (
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	TextCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	TextCodeInvalidToken        = "INVALID_TOKEN"
	TextCodeAccountDormant      = "ACCOUNT_DORMANT"
	TextCodeAccountSuspended    = "ACCOUNT_SUSPENDED"
	TextCodeAccountUnavailable  = "ACCOUNT_UNAVAILABLE"
	TextCodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	TextCodeSleeperNotFound     = "SLEEPER_NOT_FOUND"
	TextCodeNameAlreadyUsed     = "NAME_ALREADY_USED"
	TextCodeEmailAlreadyUsed    = "EMAIL_ALREADY_USED"
	TextCodePhoneAlreadyUsed    = "PHONE_ALREADY_USED"
	TextCodeNameNotNullable     = "NAME_NOT_NULLABLE"
	TextCodeEmptyPassword       = "EMPTY_PASSWORD"
	TextCodeInvalidInput        = "INVALID_INPUT"
	TextCodeInvalidTransition   = "INVALID_ACCOUNT_STATE_TRANSITION"
	TextCodeTerminalState       = "TERMINAL_ACCOUNT_STATE"
	TextCodeStateConflict       = "ACCOUNT_STATE_CONFLICT"
	TextCodeMissingConfig       = "MISSING_CONFIGURATION"
	TextCodeInvalidSuspensionAt = "INVALID_SUSPENSION_END"
)

// ErrInvalidCredentials is returned for a wrong password and for an
// unknown identifier alike.
var ErrInvalidCredentials = goerrors.New("the credentials provided are invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidToken covers malformed, expired, badly signed and revoked tokens
var ErrInvalidToken = goerrors.New("token is invalid or has been revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidToken).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountDormant is returned after a successful credential check against
// a sleeper record. The account must be woken up before it can log in.
var ErrAccountDormant = goerrors.New("account is dormant", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccountDormant).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountUnavailable is returned when the account state does not allow
// authentication (pending, leaved).
var ErrAccountUnavailable = goerrors.New("account is not available", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccountUnavailable).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountNotFound account does not exist
var ErrAccountNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrSleeperNotFound no sleeper record exists for the account
var ErrSleeperNotFound = goerrors.New("sleeper record not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeSleeperNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrNameAlreadyUsed duplicate name
var ErrNameAlreadyUsed = goerrors.New("already used name", goerrors.CategoryValidation).
	WithTextCode(TextCodeNameAlreadyUsed).
	WithCode(goerrors.CodeBadRequest)

// ErrEmailAlreadyUsed duplicate email
var ErrEmailAlreadyUsed = goerrors.New("already used email", goerrors.CategoryValidation).
	WithTextCode(TextCodeEmailAlreadyUsed).
	WithCode(goerrors.CodeBadRequest)

// ErrPhoneAlreadyUsed duplicate phone number
var ErrPhoneAlreadyUsed = goerrors.New("already used phone number", goerrors.CategoryValidation).
	WithTextCode(TextCodePhoneAlreadyUsed).
	WithCode(goerrors.CodeBadRequest)

// ErrNameNotNullable name can not be removed once set
var ErrNameNotNullable = goerrors.New("name can not be set to null", goerrors.CategoryValidation).
	WithTextCode(TextCodeNameNotNullable).
	WithCode(goerrors.CodeBadRequest)

// ErrEmptyPassword password must not be empty
var ErrEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithTextCode(TextCodeEmptyPassword).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidTransition is returned when a requested state change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid account state transition", goerrors.CategoryConflict).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeConflict)

// ErrTerminalState is returned when attempting to move away from LEAVED.
var ErrTerminalState = goerrors.New("account state is terminal", goerrors.CategoryConflict).
	WithTextCode(TextCodeTerminalState).
	WithCode(goerrors.CodeConflict)

// ErrStateConflict is returned when the account state changed between read
// and write, the compare-and-set guard matched no row.
var ErrStateConflict = goerrors.New("account state changed concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeStateConflict).
	WithCode(goerrors.CodeConflict)

func newAccountSuspendedError(endAt *time.Time) error {
	err := goerrors.New("account is suspended", goerrors.CategoryAuth).
		WithTextCode(TextCodeAccountSuspended).
		WithCode(goerrors.CodeUnauthorized)
	if endAt != nil {
		err = err.WithMetadata(map[string]any{"suspended_end_at": endAt.UTC()})
	}
	return err
}

func newAccountDormantError(accountID uuid.UUID) error {
	return goerrors.New("account is dormant", goerrors.CategoryAuth).
		WithTextCode(TextCodeAccountDormant).
		WithCode(goerrors.CodeUnauthorized).
		WithMetadata(map[string]any{"account_id": accountID.String()})
}

func newTransitionError(from, to AccountState) error {
	return goerrors.New("invalid account state transition", goerrors.CategoryConflict).
		WithTextCode(TextCodeInvalidTransition).
		WithCode(goerrors.CodeConflict).
		WithMetadata(map[string]any{
			"from": from,
			"to":   to,
		})
}

func newInvalidInputError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid input").
		WithTextCode(TextCodeInvalidInput).
		WithCode(goerrors.CodeBadRequest)
}

func newMissingConfigError(field string) error {
	return goerrors.New("missing required configuration", goerrors.CategoryInternal).
		WithTextCode(TextCodeMissingConfig).
		WithMetadata(map[string]any{"field": field})
}

// TextCode returns the text code of a go-errors error, or an empty string
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// HasTextCode reports whether err carries the given text code
func HasTextCode(err error, code string) bool {
	return err != nil && TextCode(err) == code
}

// IsInvalidToken reports token validation failures
func IsInvalidToken(err error) bool {
	return HasTextCode(err, TextCodeInvalidToken)
}

// IsValidationError reports 4xx input errors
func IsValidationError(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryValidation
	}
	return false
}

// IsNotFoundError reports missing accounts or sleeper records
func IsNotFoundError(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryNotFound
	}
	return false
}

// IsAuthenticationError reports 401 class errors
func IsAuthenticationError(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryAuth
	}
	return false
}

// passThroughOrWrap keeps rich errors intact and wraps everything else as
// an internal failure.
func passThroughOrWrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message)
}

func isUniqueViolationMessage(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "."+column)
}
