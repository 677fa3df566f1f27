package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

const pgUniqueViolation = "23505"

// Accounts persists account records. Every state changing write is guarded
// by the state the caller observed.
type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error)
	GetByLogin(ctx context.Context, field LoginField, value string) (*Account, error)
	GetByLoginTx(ctx context.Context, tx bun.IDB, field LoginField, value string) (*Account, error)

	Create(ctx context.Context, record *Account) (*Account, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error)

	ExistsTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error)

	UpdateState(ctx context.Context, from AccountState, upd *StateUpdate) error
	UpdateStateTx(ctx context.Context, tx bun.IDB, from AccountState, upd *StateUpdate) error
	UpdateColumnsTx(ctx context.Context, tx bun.IDB, record *Account, allowed []AccountState, columns ...string) error

	TrackSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error

	ListSuspensionsEndedTx(ctx context.Context, tx bun.IDB, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)
	ListDormancyCandidatesTx(ctx context.Context, tx bun.IDB, cutoff time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// StateUpdate is the pending row image of a state transition together
// with the columns that will be written.
type StateUpdate struct {
	Account *Account
	Columns []string
}

func (u *StateUpdate) touch(columns ...string) {
	for _, col := range columns {
		seen := false
		for _, existing := range u.Columns {
			if existing == col {
				seen = true
				break
			}
		}
		if !seen {
			u.Columns = append(u.Columns, col)
		}
	}
}

// StateUpdateOption mutates the row image before it is persisted
type StateUpdateOption func(*StateUpdate)

// WithSuspension records a suspension window
func WithSuspension(at, endAt time.Time, reason string) StateUpdateOption {
	return func(u *StateUpdate) {
		u.Account.SuspendedAt = timePtr(at)
		u.Account.SuspendedEndAt = timePtr(endAt)
		u.Account.SuspendedReason = stringPtr(reason)
		u.touch("suspended_at", "suspended_end_at", "suspended_reason")
	}
}

// WithSuspensionCleared nulls every suspension field
func WithSuspensionCleared() StateUpdateOption {
	return func(u *StateUpdate) {
		u.Account.SuspendedAt = nil
		u.Account.SuspendedEndAt = nil
		u.Account.SuspendedReason = nil
		u.touch("suspended_at", "suspended_end_at", "suspended_reason")
	}
}

// WithDormancy scrubs identity and credential fields. Unique columns are
// nulled, display names replaced by placeholder.
func WithDormancy(at time.Time, placeholder string) StateUpdateOption {
	return func(u *StateUpdate) {
		u.Account.Name = nil
		u.Account.Email = nil
		u.Account.Phone = nil
		u.Account.Nickname = placeholder
		u.Account.Realname = placeholder
		u.Account.PasswordHash = nil
		u.Account.Salt = nil
		u.Account.DormantAt = timePtr(at)
		u.touch("name", "email", "phone_number", "nickname", "realname", "password_hash", "salt", "dormant_at")
	}
}

// WithSleeperRestored copies the parked fields back onto the account
func WithSleeperRestored(rec *SleeperRecord) StateUpdateOption {
	return func(u *StateUpdate) {
		u.Account.Name = rec.Name
		u.Account.Email = rec.Email
		u.Account.Phone = rec.Phone
		u.Account.Nickname = rec.Nickname
		u.Account.Realname = rec.Realname
		u.Account.PasswordHash = rec.PasswordHash
		u.Account.Salt = rec.Salt
		u.Account.DormantAt = nil
		u.touch("name", "email", "phone_number", "nickname", "realname", "password_hash", "salt", "dormant_at")
	}
}

// WithLeave stamps the leave time and the hard expiry
func WithLeave(at, expireAt time.Time) StateUpdateOption {
	return func(u *StateUpdate) {
		u.Account.LeavedAt = timePtr(at)
		u.Account.ExpireAt = timePtr(expireAt)
		u.touch("leaved_at", "expire_at")
	}
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var _ Accounts = (*accounts)(nil)

// NewAccountsRepository returns the bun backed Accounts store
func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
	})

	return &accounts{
		Repository: repo,
		db:         db,
	}
}

func (a *accounts) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return a.GetByIDTx(ctx, a.db, id)
}

func (a *accounts) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, ErrAccountNotFound)
	}
	return record, nil
}

func (a *accounts) GetByLogin(ctx context.Context, field LoginField, value string) (*Account, error) {
	return a.GetByLoginTx(ctx, a.db, field, value)
}

func (a *accounts) GetByLoginTx(ctx context.Context, tx bun.IDB, field LoginField, value string) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", field.Column()), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, ErrAccountNotFound)
	}
	return record, nil
}

func (a *accounts) Create(ctx context.Context, record *Account) (*Account, error) {
	return a.CreateTx(ctx, a.db, record)
}

func (a *accounts) CreateTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error) {
	prepareAccountDefaults(record)

	if _, err := a.Repository.CreateTx(ctx, tx, record); err != nil {
		return nil, mapUniqueViolation(err)
	}

	// seq is assigned by the database
	return a.GetByIDTx(ctx, tx, record.ID)
}

func (a *accounts) ExistsTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error) {
	switch column {
	case "name", "email", "phone_number":
	default:
		return false, fmt.Errorf("unsupported unique column %q", column)
	}

	q := tx.NewSelect().
		Model((*Account)(nil)).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), value)

	if exclude != uuid.Nil {
		q = q.Where("?TableAlias.id <> ?", exclude)
	}

	return q.Exists(ctx)
}

func (a *accounts) UpdateState(ctx context.Context, from AccountState, upd *StateUpdate) error {
	return a.UpdateStateTx(ctx, a.db, from, upd)
}

func (a *accounts) UpdateStateTx(ctx context.Context, tx bun.IDB, from AccountState, upd *StateUpdate) error {
	if upd == nil || upd.Account == nil {
		return ErrAccountNotFound
	}

	upd.touch("state", "updated_at")
	return a.UpdateColumnsTx(ctx, tx, upd.Account, []AccountState{from}, upd.Columns...)
}

// UpdateColumnsTx writes columns of record, only if the row is still in one
// of the allowed states. No matching row yields ErrStateConflict.
func (a *accounts) UpdateColumnsTx(ctx context.Context, tx bun.IDB, record *Account, allowed []AccountState, columns ...string) error {
	q := tx.NewUpdate().
		Model(record).
		Column(columns...).
		Where("id = ?", record.ID)

	if len(allowed) > 0 {
		q = q.Where("state IN (?)", bun.In(allowed))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return mapUniqueViolation(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return ErrStateConflict
	}

	return nil
}

func (a *accounts) TrackSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return a.TrackSuccessfulLoginTx(ctx, a.db, id, at)
}

func (a *accounts) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("last_login_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (a *accounts) ListSuspensionsEndedTx(ctx context.Context, tx bun.IDB, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := tx.NewSelect().
		Model((*Account)(nil)).
		Column("id").
		Where("?TableAlias.state = ?", AccountStateSuspended).
		Where("?TableAlias.suspended_end_at <= ?", now)

	if err := scanIDPage(ctx, q, after, limit, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *accounts) ListDormancyCandidatesTx(ctx context.Context, tx bun.IDB, cutoff time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := tx.NewSelect().
		Model((*Account)(nil)).
		Column("id").
		Where("?TableAlias.state IN (?)", bun.In([]AccountState{AccountStateActive, AccountStateSuspended})).
		Where("COALESCE(?TableAlias.last_login_at, ?TableAlias.created_at) < ?", cutoff)

	if err := scanIDPage(ctx, q, after, limit, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanIDPage(ctx context.Context, q *bun.SelectQuery, after uuid.UUID, limit int, dest *[]uuid.UUID) error {
	if after != uuid.Nil {
		q = q.Where("?TableAlias.id > ?", after)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q.OrderExpr("?TableAlias.id ASC").Scan(ctx, dest)
}

func prepareAccountDefaults(record *Account) {
	if record == nil {
		return
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if record.State == "" {
		record.State = AccountStateActive
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
}

// mapUniqueViolation translates unique constraint failures on the identity
// columns into the matching validation error.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "accounts_name_key":
			return ErrNameAlreadyUsed
		case "accounts_email_key":
			return ErrEmailAlreadyUsed
		case "accounts_phone_number_key":
			return ErrPhoneAlreadyUsed
		}
		return err
	}

	switch {
	case isUniqueViolationMessage(err, "name"):
		return ErrNameAlreadyUsed
	case isUniqueViolationMessage(err, "email"):
		return ErrEmailAlreadyUsed
	case isUniqueViolationMessage(err, "phone_number"):
		return ErrPhoneAlreadyUsed
	}

	return err
}

func notFoundOr(err error, notFound error) error {
	if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}
