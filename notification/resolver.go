package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	accounts "github.com/goliatone/go-accounts"
)

const deviceLookupChunk = 500

// TargetResolver expands the target of a notification into recipients
type TargetResolver interface {
	Resolve(ctx context.Context, n *ScheduledNotification) ([]Recipient, error)
}

// TargetResolverFunc adapts a function to TargetResolver
type TargetResolverFunc func(ctx context.Context, n *ScheduledNotification) ([]Recipient, error)

// Resolve implements TargetResolver
func (f TargetResolverFunc) Resolve(ctx context.Context, n *ScheduledNotification) ([]Recipient, error) {
	return f(ctx, n)
}

type resolver struct {
	db *bun.DB
}

// NewTargetResolver resolves targets against the accounts and devices tables.
// Only ACTIVE accounts are ever returned.
func NewTargetResolver(db *bun.DB) TargetResolver {
	return &resolver{db: db}
}

func (r *resolver) Resolve(ctx context.Context, n *ScheduledNotification) ([]Recipient, error) {
	switch n.Target {
	case TargetAll:
		ids, err := r.activeIDs(ctx, nil)
		if err != nil {
			return nil, err
		}
		return r.withDevices(ctx, ids, "")

	case TargetRecipients:
		requested := parseIDs(n.Recipients)
		if len(requested) == 0 {
			return nil, nil
		}
		ids, err := r.activeIDs(ctx, requested)
		if err != nil {
			return nil, err
		}
		return r.withDevices(ctx, ids, "")

	case TargetPlatform:
		return r.platformRecipients(ctx, n.Platform)

	default:
		return nil, fmt.Errorf("unknown notification target %q", n.Target)
	}
}

func (r *resolver) activeIDs(ctx context.Context, subset []uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := r.db.NewSelect().
		Model((*accounts.Account)(nil)).
		Column("id").
		Where("?TableAlias.state = ?", accounts.AccountStateActive).
		OrderExpr("?TableAlias.id ASC")

	if subset != nil {
		q = q.Where("?TableAlias.id IN (?)", bun.In(subset))
	}

	if err := q.Scan(ctx, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// platformRecipients returns the active accounts holding at least one
// device on platform.
func (r *resolver) platformRecipients(ctx context.Context, platform Platform) ([]Recipient, error) {
	ids, err := r.activeIDs(ctx, nil)
	if err != nil {
		return nil, err
	}

	recipients, err := r.withDevices(ctx, ids, platform)
	if err != nil {
		return nil, err
	}

	withDevice := recipients[:0]
	for _, rec := range recipients {
		if len(rec.Devices) > 0 {
			withDevice = append(withDevice, rec)
		}
	}
	return withDevice, nil
}

func (r *resolver) withDevices(ctx context.Context, ids []uuid.UUID, platform Platform) ([]Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var devices []Device
	for start := 0; start < len(ids); start += deviceLookupChunk {
		end := start + deviceLookupChunk
		if end > len(ids) {
			end = len(ids)
		}

		var chunk []Device
		q := r.db.NewSelect().
			Model(&chunk).
			Where("?TableAlias.account_id IN (?)", bun.In(ids[start:end]))
		if platform != "" {
			q = q.Where("?TableAlias.platform = ?", platform)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, err
		}
		devices = append(devices, chunk...)
	}

	return groupDevices(ids, devices), nil
}

// groupDevices builds one recipient per account id
func groupDevices(ids []uuid.UUID, devices []Device) []Recipient {
	byAccount := make(map[uuid.UUID][]Device, len(devices))
	for _, d := range devices {
		byAccount[d.AccountID] = append(byAccount[d.AccountID], d)
	}

	recipients := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		recipients = append(recipients, Recipient{
			AccountID: id,
			Devices:   byAccount[id],
		})
	}
	return recipients
}

func parseIDs(values []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
