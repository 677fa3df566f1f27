package accounts

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SuspensionLedger is the append only audit trail of suspensions. It is
// never read to drive state decisions.
type SuspensionLedger interface {
	RecordTx(ctx context.Context, tx bun.IDB, entry *SuspensionLogEntry) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*SuspensionLogEntry, error)
}

type suspensions struct {
	db *bun.DB
}

// NewSuspensionLedger returns the bun backed ledger
func NewSuspensionLedger(db *bun.DB) SuspensionLedger {
	return &suspensions{db: db}
}

func (s *suspensions) RecordTx(ctx context.Context, tx bun.IDB, entry *SuspensionLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(entry).Exec(ctx)
	return err
}

func (s *suspensions) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*SuspensionLogEntry, error) {
	var entries []*SuspensionLogEntry
	err := s.db.NewSelect().
		Model(&entries).
		Where("?TableAlias.account_id = ?", accountID).
		OrderExpr("?TableAlias.suspended_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
