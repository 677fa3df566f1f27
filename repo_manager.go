package accounts

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	MustValidate()
	Accounts() Accounts
	Sleepers() SleeperArchive
	Suspensions() SuspensionLedger
	Leaved() LeavedArchive
	Revocations() Revocations
}

type mngr struct {
	db          *bun.DB
	accounts    Accounts
	sleepers    SleeperArchive
	suspensions SuspensionLedger
	leaved      LeavedArchive
	revocations Revocations
}

// NewRepositoryManager wires every bun backed store over db
func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:          db,
		accounts:    NewAccountsRepository(db),
		sleepers:    NewSleeperArchive(db),
		suspensions: NewSuspensionLedger(db),
		leaved:      NewLeavedArchive(db),
		revocations: NewRevocationsRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("database should be initialized")
	}

	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}

	if m.sleepers == nil {
		return errors.New("repository sleepers should be initialized")
	}

	if m.suspensions == nil {
		return errors.New("repository suspensions should be initialized")
	}

	if m.leaved == nil {
		return errors.New("repository leaved should be initialized")
	}

	if m.revocations == nil {
		return errors.New("repository revocations should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Accounts() Accounts {
	return m.accounts
}

func (m mngr) Sleepers() SleeperArchive {
	return m.sleepers
}

func (m mngr) Suspensions() SuspensionLedger {
	return m.suspensions
}

func (m mngr) Leaved() LeavedArchive {
	return m.leaved
}

func (m mngr) Revocations() Revocations {
	return m.revocations
}
