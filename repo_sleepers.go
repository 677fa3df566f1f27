package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SleeperArchive parks the credential bearing fields of dormant accounts.
// A record is moved in on dormancy and moved out on wake up, never copied.
type SleeperArchive interface {
	Get(ctx context.Context, accountID uuid.UUID) (*SleeperRecord, error)
	GetByLogin(ctx context.Context, field LoginField, value string) (*SleeperRecord, error)
	ExistsTx(ctx context.Context, tx bun.IDB, column, value string) (bool, error)
	ArchiveTx(ctx context.Context, tx bun.IDB, record *SleeperRecord) error
	RestoreTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (*SleeperRecord, error)
}

type sleepers struct {
	db *bun.DB
}

// NewSleeperArchive returns the bun backed sleeper archive
func NewSleeperArchive(db *bun.DB) SleeperArchive {
	return &sleepers{db: db}
}

func (s *sleepers) Get(ctx context.Context, accountID uuid.UUID) (*SleeperRecord, error) {
	return s.getTx(ctx, s.db, accountID)
}

func (s *sleepers) GetByLogin(ctx context.Context, field LoginField, value string) (*SleeperRecord, error) {
	record := &SleeperRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", field.Column()), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, ErrSleeperNotFound)
	}
	return record, nil
}

// ExistsTx reports whether a parked record still holds value, dormant
// accounts keep their identifiers reserved.
func (s *sleepers) ExistsTx(ctx context.Context, tx bun.IDB, column, value string) (bool, error) {
	switch column {
	case "name", "email", "phone_number":
	default:
		return false, fmt.Errorf("unsupported unique column %q", column)
	}
	return tx.NewSelect().
		Model((*SleeperRecord)(nil)).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), value).
		Exists(ctx)
}

func (s *sleepers) ArchiveTx(ctx context.Context, tx bun.IDB, record *SleeperRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return err
}

// RestoreTx returns the parked record and deletes it
func (s *sleepers) RestoreTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (*SleeperRecord, error) {
	record, err := s.getTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	_, err = tx.NewDelete().
		Model((*SleeperRecord)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *sleepers) getTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (*SleeperRecord, error) {
	record := &SleeperRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", accountID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, ErrSleeperNotFound)
	}
	return record, nil
}
