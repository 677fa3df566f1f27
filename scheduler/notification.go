package scheduler

import (
	"context"
	"errors"

	"github.com/goliatone/go-accounts/notification"
)

// NotificationJob sends due notifications. Records that failed stay unsent
// and are picked up again on the next trigger.
func NotificationJob(dispatcher *notification.Dispatcher, specs Specs) Job {
	specs = specs.withDefaults()

	return Job{
		Name: JobNotificationSend,
		Spec: specs.NotificationSend,
		Run: func(ctx context.Context) (Result, error) {
			report, err := dispatcher.DispatchDue(ctx)
			if err != nil {
				return Result{}, err
			}
			return Result{Affected: report.Sent, Skipped: report.Failed}, errors.Join(report.Errors...)
		},
	}
}
