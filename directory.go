package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

const (
	// DefaultDormantPlaceholder replaces display names while an account is dormant
	DefaultDormantPlaceholder = "dormant"
	// DefaultDormancyThreshold is the inactivity period before an account goes dormant
	DefaultDormancyThreshold = 365 * 24 * time.Hour
	// DefaultLeaveExpiry is added to the leave time to compute ExpireAt
	DefaultLeaveExpiry = 30 * 24 * time.Hour
	// DefaultLeavedRetention is how long leaved identities stay archived
	DefaultLeavedRetention = 180 * 24 * time.Hour
	DefaultBatchSize       = 100
	DefaultPhoneRegion     = "KR"
)

// Directory owns account records and every state transition on them.
// Interactive callers and scheduled jobs go through the same methods.
type Directory struct {
	repos             RepositoryManager
	cipher            *PasswordCipher
	machine           AccountStateMachine
	now               Clock
	logger            Logger
	activity          ActivitySink
	placeholder       string
	batchSize         int
	phoneRegion       string
	signupState       AccountState
	deterministicIDs  bool
	dormancyThreshold time.Duration
	leaveExpiry       time.Duration
	leavedRetention   time.Duration
}

// DirectoryOption configures a Directory
type DirectoryOption func(*Directory)

// WithDirectoryClock injects the clock, forwarded to the state machine
func WithDirectoryClock(now Clock) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = utcClock(now)
		}
	}
}

// WithDirectoryLogger overrides the logger
func WithDirectoryLogger(logger Logger) DirectoryOption {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDirectoryActivitySink publishes lifecycle events to sink
func WithDirectoryActivitySink(sink ActivitySink) DirectoryOption {
	return func(d *Directory) {
		d.activity = normalizeActivitySink(sink)
	}
}

// WithDirectoryStateMachine replaces the default state machine
func WithDirectoryStateMachine(sm AccountStateMachine) DirectoryOption {
	return func(d *Directory) {
		d.machine = sm
	}
}

// WithDormantPlaceholder overrides the value written over display names
// of dormant accounts.
func WithDormantPlaceholder(placeholder string) DirectoryOption {
	return func(d *Directory) {
		if placeholder != "" {
			d.placeholder = placeholder
		}
	}
}

// WithBatchSize sets the number of accounts handled per sweep transaction
func WithBatchSize(size int) DirectoryOption {
	return func(d *Directory) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithPhoneRegion sets the region used to parse phone numbers without a
// country prefix.
func WithPhoneRegion(region string) DirectoryOption {
	return func(d *Directory) {
		if region != "" {
			d.phoneRegion = strings.ToUpper(region)
		}
	}
}

// WithSignupState sets the initial state of new accounts, ACTIVE or PENDING
func WithSignupState(state AccountState) DirectoryOption {
	return func(d *Directory) {
		if state == AccountStateActive || state == AccountStatePending {
			d.signupState = state
		}
	}
}

// WithDeterministicIDs derives account ids from the account name
func WithDeterministicIDs(enabled bool) DirectoryOption {
	return func(d *Directory) {
		d.deterministicIDs = enabled
	}
}

// WithDormancyThreshold overrides the inactivity period
func WithDormancyThreshold(threshold time.Duration) DirectoryOption {
	return func(d *Directory) {
		if threshold > 0 {
			d.dormancyThreshold = threshold
		}
	}
}

// WithLeaveExpiry overrides the time between leave and expiry
func WithLeaveExpiry(expiry time.Duration) DirectoryOption {
	return func(d *Directory) {
		if expiry > 0 {
			d.leaveExpiry = expiry
		}
	}
}

// WithLeavedRetention overrides how long leaved identities are archived
func WithLeavedRetention(retention time.Duration) DirectoryOption {
	return func(d *Directory) {
		if retention > 0 {
			d.leavedRetention = retention
		}
	}
}

// NewDirectory returns a Directory over repos
func NewDirectory(repos RepositoryManager, cipher *PasswordCipher, opts ...DirectoryOption) *Directory {
	d := &Directory{
		repos:             repos,
		cipher:            cipher,
		now:               utcClock(time.Now),
		logger:            defLogger{},
		activity:          noopActivitySink{},
		placeholder:       DefaultDormantPlaceholder,
		batchSize:         DefaultBatchSize,
		phoneRegion:       DefaultPhoneRegion,
		signupState:       AccountStateActive,
		dormancyThreshold: DefaultDormancyThreshold,
		leaveExpiry:       DefaultLeaveExpiry,
		leavedRetention:   DefaultLeavedRetention,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	if d.cipher == nil {
		d.cipher = NewPasswordCipher()
	}

	if d.machine == nil {
		d.machine = NewAccountStateMachine(repos.Accounts(),
			WithStateMachineClock(d.now),
			WithStateMachineLogger(d.logger),
			WithStateMachineActivitySink(d.activity),
		)
	}

	return d
}

// Placeholder returns the dormancy placeholder in use
func (d *Directory) Placeholder() string {
	return d.placeholder
}

// SignupInput holds the self service registration fields
type SignupInput struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone_number,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Realname string `json:"realname,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate checks field shapes, uniqueness is checked against the store
func (in SignupInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(2, 64)),
		validation.Field(&in.Email, validation.Length(3, 254), is.Email),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Nickname, validation.Length(0, 64)),
		validation.Field(&in.Realname, validation.Length(0, 64)),
		validation.Field(&in.Password, validation.Length(0, 128)),
	)
}

// runInTx runs fn in a transaction. Activity recorded inside fn is only
// published once the transaction committed.
func (d *Directory) runInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	txCtx, outbox := withActivityOutbox(ctx)
	if err := d.repos.RunInTx(txCtx, nil, fn); err != nil {
		outbox.discard()
		return err
	}
	outbox.flush()
	return nil
}

// Signup creates an account. Uniqueness checks run in the same transaction
// as the insert, the unique constraints back them up.
func (d *Directory) Signup(ctx context.Context, in SignupInput) (*Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if err := in.Validate(); err != nil {
		return nil, newInvalidInputError(err)
	}

	phone, err := d.normalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}

	now := d.now()
	account := &Account{
		Name:      stringPtr(in.Name),
		Phone:     phone,
		Nickname:  in.Nickname,
		Realname:  in.Realname,
		State:     d.signupState,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if in.Email != "" {
		account.Email = stringPtr(in.Email)
	}

	if account.Nickname == "" {
		account.Nickname = in.Name
	}

	if d.deterministicIDs {
		if id, err := hashid.NewUUID(in.Name); err == nil {
			account.ID = id
		}
	}

	if in.Password != "" {
		if err := d.setPassword(account, in.Password, nil); err != nil {
			return nil, err
		}
	}

	var created *Account
	err = d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := d.checkUniqueTx(ctx, tx, account.Name, account.Email, account.Phone, uuid.Nil); err != nil {
			return err
		}

		var err error
		created, err = d.repos.Accounts().CreateTx(ctx, tx, account)
		return err
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to create account")
	}

	recordActivity(ctx, d.activity, d.logger, d.now, ActivityEvent{
		EventType: ActivityEventSignup,
		Actor:     ActorRef{ID: created.ID.String(), Type: "account"},
		AccountID: created.ID.String(),
		ToState:   created.State,
	})

	return created, nil
}

// Get returns the account with id
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	return d.repos.Accounts().GetByID(ctx, id)
}

// IsExistsName reports whether name is taken by a live or dormant account
func (d *Directory) IsExistsName(ctx context.Context, name string) (bool, error) {
	return d.isExists(ctx, "name", strings.TrimSpace(name))
}

// IsExistsEmail reports whether email is taken by a live or dormant account
func (d *Directory) IsExistsEmail(ctx context.Context, email string) (bool, error) {
	return d.isExists(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// IsExistsPhoneNumber reports whether phone, once normalized, is taken
func (d *Directory) IsExistsPhoneNumber(ctx context.Context, phone string) (bool, error) {
	normalized, err := d.normalizePhone(phone)
	if err != nil {
		return false, err
	}
	if normalized == nil {
		return false, nil
	}
	return d.isExists(ctx, "phone_number", *normalized)
}

func (d *Directory) isExists(ctx context.Context, column, value string) (bool, error) {
	if value == "" {
		return false, nil
	}

	var taken bool
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		taken, err = d.existsTx(ctx, tx, column, value, uuid.Nil)
		return err
	})
	return taken, err
}

func (d *Directory) existsTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error) {
	taken, err := d.repos.Accounts().ExistsTx(ctx, tx, column, value, exclude)
	if err != nil || taken {
		return taken, err
	}
	return d.repos.Sleepers().ExistsTx(ctx, tx, column, value)
}

func (d *Directory) checkUniqueTx(ctx context.Context, tx bun.IDB, name, email, phone *string, exclude uuid.UUID) error {
	checks := []struct {
		column string
		value  *string
		err    error
	}{
		{"name", name, ErrNameAlreadyUsed},
		{"email", email, ErrEmailAlreadyUsed},
		{"phone_number", phone, ErrPhoneAlreadyUsed},
	}

	for _, c := range checks {
		if c.value == nil || *c.value == "" {
			continue
		}
		taken, err := d.existsTx(ctx, tx, c.column, *c.value, exclude)
		if err != nil {
			return err
		}
		if taken {
			return c.err
		}
	}

	return nil
}

// Activate moves a pending account to ACTIVE
func (d *Directory) Activate(ctx context.Context, actor ActorRef, id uuid.UUID) (*Account, error) {
	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}
		if account.State != AccountStatePending {
			return newTransitionError(account.State, AccountStateActive)
		}
		_, err = d.machine.TransitionTx(ctx, tx, actor, account, AccountStateActive,
			WithTransitionReason("activated"),
		)
		return err
	})
	if err != nil {
		return nil, passThroughOrWrap(err, "failed to activate account")
	}
	return account, nil
}

// Suspend blocks an ACTIVE account until endAt and appends a ledger entry,
// both in one transaction.
func (d *Directory) Suspend(ctx context.Context, actor ActorRef, id uuid.UUID, endAt time.Time, reason string) (*Account, error) {
	now := d.now()
	endAt = endAt.UTC()
	if !endAt.After(now) {
		return nil, goerrors.New("suspension end must be in the future", goerrors.CategoryValidation).
			WithTextCode(TextCodeInvalidSuspensionAt).
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"suspended_end_at": endAt})
	}

	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}

		switch account.State {
		case AccountStateActive:
		case AccountStateLeaved:
			return ErrTerminalState
		default:
			return newTransitionError(account.State, AccountStateSuspended)
		}

		_, err = d.machine.TransitionTx(ctx, tx, actor, account, AccountStateSuspended,
			WithTransitionReason(reason),
			WithTransitionMetadata(map[string]any{"suspended_end_at": endAt}),
			WithStateUpdates(WithSuspension(now, endAt, reason)),
		)
		if err != nil {
			return err
		}

		return d.repos.Suspensions().RecordTx(ctx, tx, &SuspensionLogEntry{
			AccountID:       account.ID,
			ActorID:         actor.ID,
			SuspendedAt:     now,
			SuspendedEndAt:  endAt,
			SuspendedReason: reason,
			CreatedAt:       now,
		})
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to suspend account")
	}

	return account, nil
}

// WakeUp restores a dormant account from its sleeper record. The account
// returns to SUSPENDED when its suspension window is still open.
func (d *Directory) WakeUp(ctx context.Context, actor ActorRef, id uuid.UUID) (*Account, error) {
	now := d.now()

	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}

		record, err := d.repos.Sleepers().RestoreTx(ctx, tx, id)
		if err != nil {
			return err
		}

		target := AccountStateActive
		updates := []StateUpdateOption{WithSleeperRestored(record)}
		if account.SuspendedEndAt != nil && account.SuspendedEndAt.After(now) {
			target = AccountStateSuspended
		} else {
			updates = append(updates, WithSuspensionCleared())
		}

		if account.State != AccountStateInactive {
			return newTransitionError(account.State, target)
		}

		_, err = d.machine.TransitionTx(ctx, tx, actor, account, target,
			WithTransitionReason("wake up"),
			WithStateUpdates(updates...),
		)
		return err
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to wake up account")
	}

	return account, nil
}

// Leave soft deletes an account and copies its identity into the leaved
// archive. The account row is kept until ExpireAt.
func (d *Directory) Leave(ctx context.Context, actor ActorRef, id uuid.UUID) (*Account, error) {
	now := d.now()
	expireAt := now.Add(d.leaveExpiry)

	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}

		if account.State == AccountStateLeaved {
			return ErrTerminalState
		}

		archive := &LeavedAccount{
			AccountID: account.ID,
			Name:      account.Name,
			Realname:  account.Realname,
			Email:     account.Email,
			Phone:     account.Phone,
			LeavedAt:  now,
			ExpireAt:  expireAt,
			CreatedAt: now,
		}

		_, err = d.machine.TransitionTx(ctx, tx, actor, account, AccountStateLeaved,
			WithTransitionReason("leave"),
			WithStateUpdates(WithLeave(now, expireAt)),
		)
		if err != nil {
			return err
		}

		return d.repos.Leaved().ArchiveTx(ctx, tx, archive)
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to leave account")
	}

	return account, nil
}

// UpdateMemo replaces the admin memo of an account
func (d *Directory) UpdateMemo(ctx context.Context, actor ActorRef, id uuid.UUID, memo string) (*Account, error) {
	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}

		account.Memo = memo
		account.UpdatedAt = d.now()
		return d.repos.Accounts().UpdateColumnsTx(ctx, tx, account, []AccountState{account.State}, "memo", "updated_at")
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to update memo")
	}

	recordActivity(ctx, d.activity, d.logger, d.now, ActivityEvent{
		EventType: ActivityEventMemoUpdated,
		Actor:     actor,
		AccountID: id.String(),
	})

	return account, nil
}

// ProfileUpdate holds self service profile changes. Nil fields are left
// untouched, an empty Email or Phone clears the value.
type ProfileUpdate struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone_number,omitempty"`
	Nickname *string `json:"nickname,omitempty"`
	Realname *string `json:"realname,omitempty"`
	Password *string `json:"password,omitempty"`
}

// Validate checks field shapes
func (u ProfileUpdate) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.Name, validation.Length(2, 64)),
		validation.Field(&u.Email, validation.Length(3, 254), is.Email),
		validation.Field(&u.Nickname, validation.Length(0, 64)),
		validation.Field(&u.Realname, validation.Length(0, 64)),
		validation.Field(&u.Password, validation.Length(0, 128)),
	)
}

// UpdateProfile applies upd to the account. A password change re-hashes
// with the stored salt.
func (d *Directory) UpdateProfile(ctx context.Context, actor ActorRef, id uuid.UUID, upd ProfileUpdate) (*Account, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, ErrNameNotNullable
	}

	if upd.Password != nil && *upd.Password == "" {
		return nil, ErrEmptyPassword
	}

	if upd.Name != nil {
		upd.Name = stringPtr(strings.TrimSpace(*upd.Name))
	}

	if upd.Email != nil {
		upd.Email = stringPtr(strings.ToLower(strings.TrimSpace(*upd.Email)))
	}

	if err := upd.Validate(); err != nil {
		return nil, newInvalidInputError(err)
	}

	var account *Account
	err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = d.repos.Accounts().GetByIDTx(ctx, tx, id); err != nil {
			return err
		}

		switch account.State {
		case AccountStateLeaved:
			return ErrTerminalState
		case AccountStateInactive:
			return ErrAccountDormant
		}

		columns, err := d.applyProfile(account, upd)
		if err != nil {
			return err
		}

		if len(columns) == 0 {
			return nil
		}

		var phone *string
		if upd.Phone != nil {
			phone = account.Phone
		}

		if err := d.checkUniqueTx(ctx, tx, changed(upd.Name), changed(upd.Email), phone, account.ID); err != nil {
			return err
		}

		account.UpdatedAt = d.now()
		columns = append(columns, "updated_at")
		return d.repos.Accounts().UpdateColumnsTx(ctx, tx, account, []AccountState{account.State}, columns...)
	})

	if err != nil {
		return nil, passThroughOrWrap(err, "failed to update profile")
	}

	recordActivity(ctx, d.activity, d.logger, d.now, ActivityEvent{
		EventType: ActivityEventProfileUpdated,
		Actor:     actor,
		AccountID: id.String(),
	})

	return account, nil
}

func (d *Directory) applyProfile(account *Account, upd ProfileUpdate) ([]string, error) {
	var columns []string

	if upd.Name != nil {
		account.Name = upd.Name
		columns = append(columns, "name")
	}

	if upd.Email != nil {
		account.Email = nil
		if *upd.Email != "" {
			account.Email = upd.Email
		}
		columns = append(columns, "email")
	}

	if upd.Phone != nil {
		phone, err := d.normalizePhone(*upd.Phone)
		if err != nil {
			return nil, err
		}
		account.Phone = phone
		columns = append(columns, "phone_number")
	}

	if upd.Nickname != nil {
		account.Nickname = *upd.Nickname
		columns = append(columns, "nickname")
	}

	if upd.Realname != nil {
		account.Realname = *upd.Realname
		columns = append(columns, "realname")
	}

	if upd.Password != nil {
		if err := d.setPassword(account, *upd.Password, account.Salt); err != nil {
			return nil, err
		}
		columns = append(columns, "password_hash", "salt")
	}

	return columns, nil
}

// setPassword hashes password with salt, generating one when the account
// never had a credential.
func (d *Directory) setPassword(account *Account, password string, salt Salt) error {
	if len(salt) == 0 {
		var err error
		if salt, err = d.cipher.GenerateSalt(); err != nil {
			return err
		}
	}

	hash, err := d.cipher.Hash(password, salt)
	if err != nil {
		return err
	}

	account.Salt = salt
	account.PasswordHash = hash
	return nil
}

func (d *Directory) normalizePhone(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	num, err := phonenumbers.Parse(raw, d.phoneRegion)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return nil, newInvalidInputError(validation.Errors{
			"phone_number": errors.New("must be a valid phone number"),
		})
	}

	return stringPtr(phonenumbers.Format(num, phonenumbers.E164)), nil
}

func changed(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}
