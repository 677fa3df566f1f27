package scheduler

import (
	"context"
	"time"

	accounts "github.com/goliatone/go-accounts"
)

const (
	JobReleaseSuspensions = "release-suspensions"
	JobDormancySweep      = "dormancy-sweep"
	JobLeavedRetention    = "leaved-archive-retention"
	JobRevocationPrune    = "revocation-prune"
	JobNotificationSend   = "notification-dispatch"
)

// Specs holds the cron expression of every job, standard five fields in UTC
type Specs struct {
	ReleaseSuspensions string
	DormancySweep      string
	LeavedRetention    string
	RevocationPrune    string
	NotificationSend   string
}

// DefaultSpecs runs the lifecycle jobs daily, staggered by one hour, and
// the notification dispatch every thirty minutes.
func DefaultSpecs() Specs {
	return Specs{
		ReleaseSuspensions: "0 0 * * *",
		DormancySweep:      "0 1 * * *",
		LeavedRetention:    "0 2 * * *",
		RevocationPrune:    "0 3 * * *",
		NotificationSend:   "*/30 * * * *",
	}
}

func (s Specs) withDefaults() Specs {
	def := DefaultSpecs()
	if s.ReleaseSuspensions == "" {
		s.ReleaseSuspensions = def.ReleaseSuspensions
	}
	if s.DormancySweep == "" {
		s.DormancySweep = def.DormancySweep
	}
	if s.LeavedRetention == "" {
		s.LeavedRetention = def.LeavedRetention
	}
	if s.RevocationPrune == "" {
		s.RevocationPrune = def.RevocationPrune
	}
	if s.NotificationSend == "" {
		s.NotificationSend = def.NotificationSend
	}
	return s
}

// LifecycleJobs returns the account maintenance jobs. tokens may be nil,
// the revocation prune job is left out then.
func LifecycleJobs(directory *accounts.Directory, tokens *accounts.TokenService, specs Specs, now func() time.Time) []Job {
	specs = specs.withDefaults()
	if now == nil {
		now = time.Now
	}

	jobs := []Job{
		{
			Name: JobReleaseSuspensions,
			Spec: specs.ReleaseSuspensions,
			Run: func(ctx context.Context) (Result, error) {
				return fromSweep(directory.ReleaseSuspensions(ctx))
			},
		},
		{
			Name: JobDormancySweep,
			Spec: specs.DormancySweep,
			Run: func(ctx context.Context) (Result, error) {
				return fromSweep(directory.MakeDormant(ctx))
			},
		},
		{
			Name: JobLeavedRetention,
			Spec: specs.LeavedRetention,
			Run: func(ctx context.Context) (Result, error) {
				purged, err := directory.PurgeLeavedArchive(ctx)
				return Result{Affected: int(purged)}, err
			},
		},
	}

	if tokens != nil {
		jobs = append(jobs, Job{
			Name: JobRevocationPrune,
			Spec: specs.RevocationPrune,
			Run: func(ctx context.Context) (Result, error) {
				pruned, err := tokens.PruneRevocations(ctx, now())
				return Result{Affected: int(pruned)}, err
			},
		})
	}

	return jobs
}

func fromSweep(report *accounts.SweepReport) (Result, error) {
	if report == nil {
		return Result{}, nil
	}
	return Result{Affected: report.Affected, Skipped: report.Skipped}, report.Err()
}
