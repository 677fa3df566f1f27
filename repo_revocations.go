package accounts

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Revocations persists revoked refresh token ids
type Revocations interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, entry *RevocationEntry) error
	PruneExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type revocations struct {
	db *bun.DB
}

// NewRevocationsRepository returns the bun backed revocation store
func NewRevocationsRepository(db *bun.DB) Revocations {
	return &revocations{db: db}
}

func (r *revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return r.db.NewSelect().
		Model((*RevocationEntry)(nil)).
		Where("?TableAlias.token_id = ?", tokenID).
		Exists(ctx)
}

// Revoke inserts entry, revoking an already revoked id is a no-op
func (r *revocations) Revoke(ctx context.Context, entry *RevocationEntry) error {
	_, err := r.db.NewInsert().
		Model(entry).
		On("CONFLICT (token_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (r *revocations) PruneExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*RevocationEntry)(nil)).
		Where("expires_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
