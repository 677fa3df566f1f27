package notification

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Store persists scheduled notifications and devices
type Store interface {
	Schedule(ctx context.Context, n *ScheduledNotification) (*ScheduledNotification, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	RegisterDevice(ctx context.Context, device *Device) (*Device, error)
}

type store struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore returns the bun backed notification store
func NewStore(db *bun.DB) Store {
	return &store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks that the notification can be resolved
func (n *ScheduledNotification) Validate() error {
	var recipientRules, platformRules []validation.Rule
	switch n.Target {
	case TargetRecipients:
		recipientRules = append(recipientRules, validation.Required)
	case TargetPlatform:
		platformRules = append(platformRules, validation.Required)
	}
	platformRules = append(platformRules, validation.In(PlatformIOS, PlatformAndroid, PlatformWeb))

	return validation.ValidateStruct(n,
		validation.Field(&n.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&n.Target, validation.Required, validation.In(TargetAll, TargetRecipients, TargetPlatform)),
		validation.Field(&n.Recipients, recipientRules...),
		validation.Field(&n.Platform, platformRules...),
		validation.Field(&n.ScheduledAt, validation.Required),
	)
}

func (s *store) Schedule(ctx context.Context, n *ScheduledNotification) (*ScheduledNotification, error) {
	if err := n.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid notification").
			WithCode(goerrors.CodeBadRequest)
	}

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	n.ScheduledAt = n.ScheduledAt.UTC()
	n.IsSend = false
	n.SentAt = nil
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	if _, err := s.db.NewInsert().Model(n).Exec(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to schedule notification")
	}

	return n, nil
}

// ListDue returns unsent notifications scheduled at or before now, oldest first
func (s *store) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error) {
	var records []*ScheduledNotification
	q := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.is_send = ?", false).
		Where("?TableAlias.scheduled_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.scheduled_at ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSent flags a notification as delivered. Marking twice is a no-op.
func (s *store) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*ScheduledNotification)(nil)).
		Set("is_send = ?", true).
		Set("sent_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("is_send = ?", false).
		Exec(ctx)
	return err
}

// RegisterDevice stores device, a known push token is moved to the new owner
func (s *store) RegisterDevice(ctx context.Context, device *Device) (*Device, error) {
	err := validation.ValidateStruct(device,
		validation.Field(&device.AccountID, validation.By(requireUUID)),
		validation.Field(&device.PushToken, validation.Required),
		validation.Field(&device.Platform, validation.Required, validation.In(PlatformIOS, PlatformAndroid, PlatformWeb)),
	)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid device").
			WithCode(goerrors.CodeBadRequest)
	}

	now := s.now()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	_, err = s.db.NewInsert().
		Model(device).
		On("CONFLICT (push_token) DO UPDATE").
		Set("account_id = EXCLUDED.account_id").
		Set("platform = EXCLUDED.platform").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to register device")
	}

	return device, nil
}

func requireUUID(value interface{}) error {
	if id, _ := value.(uuid.UUID); id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}
