package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LeavedArchive keeps the identity of leaved accounts for the retention
// window.
type LeavedArchive interface {
	Get(ctx context.Context, accountID uuid.UUID) (*LeavedAccount, error)
	ArchiveTx(ctx context.Context, tx bun.IDB, record *LeavedAccount) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type leaved struct {
	db *bun.DB
}

// NewLeavedArchive returns the bun backed archive
func NewLeavedArchive(db *bun.DB) LeavedArchive {
	return &leaved{db: db}
}

func (l *leaved) Get(ctx context.Context, accountID uuid.UUID) (*LeavedAccount, error) {
	record := &LeavedAccount{}
	err := l.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", accountID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, ErrAccountNotFound)
	}
	return record, nil
}

func (l *leaved) ArchiveTx(ctx context.Context, tx bun.IDB, record *LeavedAccount) error {
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return err
}

// PurgeOlderThan deletes archive rows whose leave time is before cutoff
func (l *leaved) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.NewDelete().
		Model((*LeavedAccount)(nil)).
		Where("leaved_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
