package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	accounts "github.com/goliatone/go-accounts"
)

const DefaultDispatchBatchSize = 200

// DispatchReport summarizes one dispatch pass
type DispatchReport struct {
	Due    int
	Sent   int
	Failed int
	Errors []error
}

// Dispatcher sends every due notification. A record is marked sent only
// after its send succeeded, a failure leaves it for the next pass.
type Dispatcher struct {
	store     Store
	resolver  TargetResolver
	sender    Sender
	logger    accounts.Logger
	now       func() time.Time
	batchSize int
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock injects the clock
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDispatcherLogger overrides the logger
func WithDispatcherLogger(logger accounts.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatchBatchSize caps the number of records handled per pass
func WithDispatchBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// NewDispatcher returns a Dispatcher
func NewDispatcher(store Store, resolver TargetResolver, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		resolver:  resolver,
		sender:    sender,
		logger:    accounts.DefaultLogger(),
		now:       time.Now,
		batchSize: DefaultDispatchBatchSize,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// DispatchDue resolves, sends and marks every unsent notification scheduled
// at or before now. Only the listing failure is returned, per record
// failures are collected in the report.
func (d *Dispatcher) DispatchDue(ctx context.Context) (*DispatchReport, error) {
	now := d.now().UTC()

	due, err := d.store.ListDue(ctx, now, d.batchSize)
	if err != nil {
		return nil, err
	}

	report := &DispatchReport{Due: len(due)}
	for _, n := range due {
		if err := d.dispatch(ctx, n, now); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err)
			d.logger.Warn("notification dispatch failed", "id", n.ID.String(), "error", err)
			continue
		}
		report.Sent++
	}

	d.logger.Info("notifications dispatched", "due", report.Due, "sent", report.Sent, "failed", report.Failed)
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, n *ScheduledNotification, now time.Time) error {
	recipients, err := d.resolver.Resolve(ctx, n)
	if err != nil {
		return err
	}

	if len(recipients) > 0 {
		err = d.sender.Send(ctx, Message{
			NotificationID: n.ID,
			Title:          n.Title,
			Body:           n.Body,
			Payload:        n.Payload,
			Recipients:     recipients,
		})
		if err != nil {
			return err
		}
	} else {
		d.logger.Debug("notification has no recipients", "id", n.ID.String(), "target", n.Target)
	}

	return d.store.MarkSent(ctx, n.ID, now)
}

// Schedule is a convenience wrapper over Store.Schedule
func (d *Dispatcher) Schedule(ctx context.Context, n *ScheduledNotification) (*ScheduledNotification, error) {
	return d.store.Schedule(ctx, n)
}

// RegisterDevice is a convenience wrapper over Store.RegisterDevice
func (d *Dispatcher) RegisterDevice(ctx context.Context, accountID uuid.UUID, platform Platform, pushToken string) (*Device, error) {
	return d.store.RegisterDevice(ctx, &Device{
		AccountID: accountID,
		Platform:  platform,
		PushToken: pushToken,
	})
}
