// Package scheduler runs the periodic account lifecycle and notification
// jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/robfig/cron/v3"

	accounts "github.com/goliatone/go-accounts"
)

// Result is what a job reports after a run
type Result struct {
	Affected int
	Skipped  int
}

// JobFunc is the body of a scheduled job. A returned error is logged and
// counted, it never stops the runner.
type JobFunc func(ctx context.Context) (Result, error)

// Job binds a name and cron spec to a body
type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

// Runner triggers registered jobs on their cron spec. Each job is
// single-flight: a trigger that fires while the previous run of the same
// job is still going is skipped.
type Runner struct {
	cron    *cron.Cron
	logger  accounts.Logger
	metrics *Metrics
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	job  Job
	id   cron.EntryID
	lock sync.Mutex
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger overrides the logger
func WithLogger(logger accounts.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records job runs
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithJobTimeout bounds a single run, zero means no bound
func WithJobTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.timeout = timeout
	}
}

// WithClock injects the clock used to time runs
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner returns a stopped Runner evaluating specs in UTC
func NewRunner(opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: accounts.DefaultLogger(),
		now:    time.Now,
		jobs:   map[string]*entry{},
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Register schedules job. Names must be unique.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return goerrors.New("job requires a name and a body", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Name]; ok {
		return goerrors.New(fmt.Sprintf("job %q already registered", job.Name), goerrors.CategoryConflict).
			WithCode(goerrors.CodeConflict)
	}

	e := &entry{job: job}
	id, err := r.cron.AddFunc(job.Spec, func() {
		r.execute(r.ctx, e)
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid cron spec").
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"job": job.Name, "spec": job.Spec})
	}
	e.id = id
	r.jobs[job.Name] = e

	r.logger.Info("job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// RegisterAll registers every job, stopping at the first error
func (r *Runner) RegisterAll(jobs ...Job) error {
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// RunNow runs the named job outside its schedule. ran is false when a run
// of the job was already in progress.
func (r *Runner) RunNow(ctx context.Context, name string) (ran bool, err error) {
	r.mu.RLock()
	e, ok := r.jobs[name]
	r.mu.RUnlock()

	if !ok {
		return false, goerrors.New(fmt.Sprintf("job %q not registered", name), goerrors.CategoryNotFound).
			WithCode(goerrors.CodeNotFound)
	}

	return r.execute(ctx, e)
}

// Jobs lists the registered job names
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// Start begins triggering jobs
func (r *Runner) Start() {
	r.logger.Info("scheduler started", "jobs", len(r.jobs))
	r.cron.Start()
}

// Stop halts triggering, cancels running jobs and returns a context that
// is done once they returned.
func (r *Runner) Stop() context.Context {
	r.logger.Info("stopping scheduler")
	done := r.cron.Stop()
	r.cancel()
	return done
}

func (r *Runner) execute(ctx context.Context, e *entry) (bool, error) {
	name := e.job.Name

	if !e.lock.TryLock() {
		r.logger.Warn("job still running, trigger skipped", "job", name)
		r.metrics.observe(name, OutcomeOverlap, Result{}, 0)
		return false, nil
	}
	defer e.lock.Unlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := r.now()
	res, err := r.safeRun(ctx, e.job)
	elapsed := r.now().Sub(started)

	if err != nil {
		r.metrics.observe(name, OutcomeFailure, res, elapsed)
		r.logFailure(name, res, err)
		return true, err
	}

	r.metrics.observe(name, OutcomeSuccess, res, elapsed)
	r.logger.Info("job finished",
		"job", name,
		"affected", res.Affected,
		"skipped", res.Skipped,
		"duration", elapsed,
	)
	return true, nil
}

func (r *Runner) safeRun(ctx context.Context, job Job) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = goerrors.New(fmt.Sprintf("job panicked: %v", rec), goerrors.CategoryInternal).
				WithCode(goerrors.CodeInternal).
				WithMetadata(map[string]any{"job": job.Name})
		}
	}()
	return job.Run(ctx)
}

func (r *Runner) logFailure(name string, res Result, err error) {
	args := []any{
		"job", name,
		"affected", res.Affected,
		"skipped", res.Skipped,
		"error", err,
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && len(richErr.Metadata) > 0 {
		args = append(args, "details", print.MaybePrettyJSON(richErr.Metadata))
	}

	r.logger.Error("job failed", args...)
}
