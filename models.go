package accounts

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountState is the lifecycle state of an account
type AccountState string

const (
	// AccountStatePending account created but not yet activated
	AccountStatePending AccountState = "PENDING"
	// AccountStateActive regular account
	AccountStateActive AccountState = "ACTIVE"
	// AccountStateInactive dormant account, credentials parked in a sleeper record
	AccountStateInactive AccountState = "INACTIVE"
	// AccountStateSuspended account blocked until SuspendedEndAt
	AccountStateSuspended AccountState = "SUSPENDED"
	// AccountStateLeaved terminal state, kept until ExpireAt
	AccountStateLeaved AccountState = "LEAVED"
)

// Account is the canonical user record
type Account struct {
	bun.BaseModel   `bun:"table:accounts,alias:acc"`
	ID              uuid.UUID    `bun:"id,pk,type:uuid" json:"id"`
	Seq             int64        `bun:"seq,nullzero" json:"seq,omitempty"`
	Name            *string      `bun:"name" json:"name,omitempty"`
	Email           *string      `bun:"email" json:"email,omitempty"`
	Phone           *string      `bun:"phone_number" json:"phone_number,omitempty"`
	Nickname        string       `bun:"nickname,notnull" json:"nickname,omitempty"`
	Realname        string       `bun:"realname,notnull" json:"realname,omitempty"`
	PasswordHash    []byte       `bun:"password_hash" json:"-"`
	Salt            []byte       `bun:"salt" json:"-"`
	State           AccountState `bun:"state,notnull" json:"state"`
	Memo            string       `bun:"memo,notnull" json:"memo,omitempty"`
	LastLoginAt     *time.Time   `bun:"last_login_at,nullzero" json:"last_login_at,omitempty"`
	SuspendedAt     *time.Time   `bun:"suspended_at,nullzero" json:"suspended_at,omitempty"`
	SuspendedEndAt  *time.Time   `bun:"suspended_end_at,nullzero" json:"suspended_end_at,omitempty"`
	SuspendedReason *string      `bun:"suspended_reason" json:"suspended_reason,omitempty"`
	DormantAt       *time.Time   `bun:"dormant_at,nullzero" json:"dormant_at,omitempty"`
	LeavedAt        *time.Time   `bun:"leaved_at,nullzero" json:"leaved_at,omitempty"`
	ExpireAt        *time.Time   `bun:"expire_at,nullzero" json:"expire_at,omitempty"`
	CreatedAt       time.Time    `bun:"created_at,nullzero,notnull" json:"created_at"`
	UpdatedAt       time.Time    `bun:"updated_at,nullzero,notnull" json:"updated_at"`
}

// HasPassword reports whether the account holds a usable credential pair.
// Login is always gated on this.
func (a *Account) HasPassword() bool {
	return a != nil && len(a.Salt) > 0 && len(a.PasswordHash) > 0
}

// IsActive reports whether the account is in the active state
func (a *Account) IsActive() bool {
	return a != nil && a.State == AccountStateActive
}

// IsSuspended reports whether the account is in the suspended state
func (a *Account) IsSuspended() bool {
	return a != nil && a.State == AccountStateSuspended
}

// IsDormant reports whether the account was parked by the dormancy sweep
func (a *Account) IsDormant() bool {
	return a != nil && a.State == AccountStateInactive
}

// IsLeaved reports whether the account reached the terminal state
func (a *Account) IsLeaved() bool {
	return a != nil && a.State == AccountStateLeaved
}

// SleeperRecord holds the credential bearing fields of a dormant account.
// It exists only while its account is INACTIVE.
type SleeperRecord struct {
	bun.BaseModel `bun:"table:sleeper_accounts,alias:slp"`
	AccountID     uuid.UUID `bun:"account_id,pk,type:uuid" json:"account_id"`
	Name          *string   `bun:"name" json:"name,omitempty"`
	Email         *string   `bun:"email" json:"email,omitempty"`
	Phone         *string   `bun:"phone_number" json:"phone_number,omitempty"`
	Nickname      string    `bun:"nickname,notnull" json:"nickname,omitempty"`
	Realname      string    `bun:"realname,notnull" json:"realname,omitempty"`
	PasswordHash  []byte    `bun:"password_hash" json:"-"`
	Salt          []byte    `bun:"salt" json:"-"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull" json:"created_at"`
}

// NewSleeperRecord copies the credential bearing fields of account
func NewSleeperRecord(account *Account, at time.Time) *SleeperRecord {
	return &SleeperRecord{
		AccountID:    account.ID,
		Name:         account.Name,
		Email:        account.Email,
		Phone:        account.Phone,
		Nickname:     account.Nickname,
		Realname:     account.Realname,
		PasswordHash: account.PasswordHash,
		Salt:         account.Salt,
		CreatedAt:    at,
	}
}

// HasPassword reports whether the parked credentials can be verified
func (s *SleeperRecord) HasPassword() bool {
	return s != nil && len(s.Salt) > 0 && len(s.PasswordHash) > 0
}

// SuspensionLogEntry is an immutable audit record, one per suspension
type SuspensionLogEntry struct {
	bun.BaseModel   `bun:"table:suspension_logs,alias:sus"`
	ID              uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	AccountID       uuid.UUID `bun:"account_id,notnull,type:uuid" json:"account_id"`
	ActorID         string    `bun:"actor_id,notnull" json:"actor_id,omitempty"`
	SuspendedAt     time.Time `bun:"suspended_at,notnull" json:"suspended_at"`
	SuspendedEndAt  time.Time `bun:"suspended_end_at,notnull" json:"suspended_end_at"`
	SuspendedReason string    `bun:"suspended_reason,notnull" json:"suspended_reason"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull" json:"created_at"`
}

// LeavedAccount keeps the identity of a leaved account until its
// retention window passes.
type LeavedAccount struct {
	bun.BaseModel `bun:"table:leaved_accounts,alias:lvd"`
	AccountID     uuid.UUID `bun:"account_id,pk,type:uuid" json:"account_id"`
	Name          *string   `bun:"name" json:"name,omitempty"`
	Realname      string    `bun:"realname,notnull" json:"realname,omitempty"`
	Email         *string   `bun:"email" json:"email,omitempty"`
	Phone         *string   `bun:"phone_number" json:"phone_number,omitempty"`
	LeavedAt      time.Time `bun:"leaved_at,notnull" json:"leaved_at"`
	ExpireAt      time.Time `bun:"expire_at,notnull" json:"expire_at"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull" json:"created_at"`
}

// RevocationEntry marks a single token id as no longer honored
type RevocationEntry struct {
	bun.BaseModel `bun:"table:token_revocations,alias:rev"`
	TokenID       string    `bun:"token_id,pk" json:"token_id"`
	AccountID     string    `bun:"account_id,notnull" json:"account_id"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull" json:"created_at"`
}

func stringPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
