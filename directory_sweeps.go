package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SweepReport summarizes a batch sweep. Every account is applied in its
// own savepoint: a failing account is rolled back and counted in Failed
// while the rest of its batch commits. A batch that can not commit at all
// is counted in FailedBatches. The sweep always moves on.
type SweepReport struct {
	Selected      int
	Affected      int
	Skipped       int
	Failed        int
	FailedBatches int
	Errors        []error
}

// Err joins every batch error, nil when all batches committed
func (r *SweepReport) Err() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.Errors...)
}

type listPage func(ctx context.Context, tx bun.IDB, after uuid.UUID, limit int) ([]uuid.UUID, error)

type applyOne func(ctx context.Context, tx bun.IDB, id uuid.UUID) error

// ReleaseSuspensions moves every SUSPENDED account whose window ended to
// ACTIVE and clears its suspension fields.
func (d *Directory) ReleaseSuspensions(ctx context.Context) *SweepReport {
	now := d.now()

	list := func(ctx context.Context, tx bun.IDB, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		return d.repos.Accounts().ListSuspensionsEndedTx(ctx, tx, now, after, limit)
	}

	apply := func(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
		account, err := d.repos.Accounts().GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if account.State != AccountStateSuspended ||
			account.SuspendedEndAt == nil || account.SuspendedEndAt.After(now) {
			return ErrStateConflict
		}

		_, err = d.machine.TransitionTx(ctx, tx, SystemActor, account, AccountStateActive,
			WithTransitionReason("suspension ended"),
			WithStateUpdates(WithSuspensionCleared()),
		)
		return err
	}

	report := d.sweep(ctx, list, apply)
	d.logger.Info("released suspensions",
		"affected", report.Affected,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"failed_batches", report.FailedBatches,
	)
	return report
}

// MakeDormant parks every ACTIVE or SUSPENDED account without a login for
// the dormancy threshold. Each account is archived and scrubbed in the same
// transaction, already dormant accounts are never selected.
func (d *Directory) MakeDormant(ctx context.Context) *SweepReport {
	now := d.now()
	cutoff := d.dormancyCutoff(now)

	list := func(ctx context.Context, tx bun.IDB, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		return d.repos.Accounts().ListDormancyCandidatesTx(ctx, tx, cutoff, after, limit)
	}

	apply := func(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
		account, err := d.repos.Accounts().GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if account.State != AccountStateActive && account.State != AccountStateSuspended {
			return ErrStateConflict
		}

		record := NewSleeperRecord(account, now)

		_, err = d.machine.TransitionTx(ctx, tx, SystemActor, account, AccountStateInactive,
			WithTransitionReason("dormant"),
			WithStateUpdates(WithDormancy(now, d.placeholder)),
		)
		if err != nil {
			return err
		}

		return d.repos.Sleepers().ArchiveTx(ctx, tx, record)
	}

	report := d.sweep(ctx, list, apply)
	d.logger.Info("dormancy sweep",
		"cutoff", cutoff,
		"affected", report.Affected,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"failed_batches", report.FailedBatches,
	)
	return report
}

// PurgeLeavedArchive deletes leaved identities past the retention window
func (d *Directory) PurgeLeavedArchive(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-d.leavedRetention)
	purged, err := d.repos.Leaved().PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, passThroughOrWrap(err, "failed to purge leaved archive")
	}
	d.logger.Info("purged leaved archive", "cutoff", cutoff, "affected", purged)
	return purged, nil
}

func (d *Directory) sweep(ctx context.Context, list listPage, apply applyOne) *SweepReport {
	report := &SweepReport{}
	after := uuid.Nil

	for {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err)
			return report
		}

		var ids []uuid.UUID
		var affected, skipped int
		var failures []error

		err := d.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			var err error
			affected, skipped, failures = 0, 0, nil

			if ids, err = list(ctx, tx, after, d.batchSize); err != nil {
				return err
			}

			for _, id := range ids {
				err := d.applyIsolated(ctx, tx, id, apply)
				switch {
				case err == nil:
					affected++
				case HasTextCode(err, TextCodeStateConflict):
					skipped++
				default:
					d.logger.Error("sweep account failed", "account_id", id, "error", err)
					failures = append(failures, err)
				}
			}
			return nil
		})

		report.Selected += len(ids)

		if err != nil {
			report.FailedBatches++
			report.Errors = append(report.Errors, err)
			d.logger.Error("sweep batch failed", "after", after, "size", len(ids), "error", err)
			if len(ids) == 0 {
				return report
			}
		} else {
			report.Affected += affected
			report.Skipped += skipped
			report.Failed += len(failures)
			report.Errors = append(report.Errors, failures...)
		}

		if len(ids) < d.batchSize {
			return report
		}

		after = ids[len(ids)-1]
	}
}

// applyIsolated runs apply for one account inside a savepoint, a failure
// rolls back that account only.
func (d *Directory) applyIsolated(ctx context.Context, tx bun.Tx, id uuid.UUID, apply applyOne) error {
	spCtx, outbox := withActivityOutbox(ctx)
	err := tx.RunInTx(spCtx, nil, func(ctx context.Context, sp bun.Tx) error {
		return apply(ctx, sp, id)
	})
	if err != nil {
		outbox.discard()
		return err
	}
	outbox.flush()
	return nil
}

func (d *Directory) dormancyCutoff(now time.Time) time.Time {
	return now.Add(-d.dormancyThreshold)
}
