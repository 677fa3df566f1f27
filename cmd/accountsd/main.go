package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-print"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/activitymap"
	"github.com/goliatone/go-accounts/cache"
	"github.com/goliatone/go-accounts/config"
	"github.com/goliatone/go-accounts/notification"
	"github.com/goliatone/go-accounts/scheduler"
)

type App struct {
	config    *config.Config
	db        *bun.DB
	logger    *glog.BaseLogger
	repos     accounts.RepositoryManager
	directory *accounts.Directory
	tokens    *accounts.TokenService
	auth      *accounts.Authenticator
	runner    *scheduler.Runner
	registry  *prometheus.Registry
	closers   []func() error
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("accounts"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	ctx := context.Background()

	cfg, err := config.Load(ctx, lgr.GetLogger("config"))
	if err != nil {
		lgr.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	fmt.Println(print.MaybeHighlightJSON(redacted(cfg.Raw())))

	app := &App{
		config:   cfg.Raw(),
		logger:   lgr,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	steps := []func(context.Context, *App) error{
		WithPersistence,
		WithAccounts,
		WithScheduler,
	}
	for _, step := range steps {
		if err := step(ctx, app); err != nil {
			lgr.Error("startup failed", "error", err)
			app.close()
			os.Exit(1)
		}
	}

	srv := WithMetricsServer(app)

	if app.runner != nil {
		app.runner.Start()
	}

	sig := WaitExitSignal()
	lgr.Info("shutting down", "signal", sig.String())

	if app.runner != nil {
		<-app.runner.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Error("metrics server shutdown", "error", err)
	}

	app.close()
}

func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.config.Persistence

	var sqldb *sql.DB
	var dialect schema.Dialect
	var err error
	switch cfg.Driver {
	case config.DriverPostgres:
		if sqldb, err = sql.Open("pgx", cfg.DSN); err != nil {
			return err
		}
		dialect = pgdialect.New()
	default:
		if sqldb, err = sql.Open(sqliteshim.ShimName, cfg.DSN); err != nil {
			return err
		}
		sqldb.SetMaxOpenConns(1)
		dialect = sqlitedialect.New()
	}

	persistence.RegisterModel((*accounts.Account)(nil))
	persistence.RegisterModel((*accounts.SleeperRecord)(nil))
	persistence.RegisterModel((*accounts.SuspensionLogEntry)(nil))
	persistence.RegisterModel((*accounts.LeavedAccount)(nil))
	persistence.RegisterModel((*accounts.RevocationEntry)(nil))

	client, err := persistence.New(cfg, sqldb, dialect)
	if err != nil {
		return err
	}
	client.SetLogger(app.GetLogger("persistence"))

	db := client.DB()
	app.db = db
	app.onClose(db.Close)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.GetPingTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "database unreachable")
	}

	if err := accounts.RegisterMigrations(client); err != nil {
		return err
	}

	if err := client.ValidateDialects(ctx); err != nil {
		return err
	}

	if err := client.Migrate(ctx); err != nil {
		return err
	}

	if report := client.Report(); report != nil && !report.IsZero() {
		app.GetLogger("persistence").Info("migrations applied", "driver", cfg.Driver, "report", report.String())
	}

	app.repos = accounts.NewRepositoryManager(db)
	app.repos.MustValidate()

	return nil
}

func WithAccounts(ctx context.Context, app *App) error {
	cfg := app.config.Auth

	revocationCache, err := newCache(ctx, app)
	if err != nil {
		return err
	}

	opts := []accounts.TokenOption{
		accounts.WithTokenLogger(app.GetLogger("tokens")),
	}
	if revocationCache != nil {
		opts = append(opts, accounts.WithRevocationCache(revocationCache, app.config.Cache.GetTTL()))
	}
	if cfg.RevokeOnRotation {
		opts = append(opts, accounts.WithRevokeOnRotation())
	}

	tokens, err := accounts.NewTokenService(accounts.TokenConfig{
		SigningKey: cfg.SigningKey,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.GetAccessTTL(),
		RefreshTTL: cfg.GetRefreshTTL(),
	}, app.repos.Revocations(), opts...)
	if err != nil {
		return err
	}
	app.tokens = tokens

	loginField, err := accounts.ParseLoginField(cfg.LoginField)
	if err != nil {
		return err
	}

	cipher := accounts.NewPasswordCipher()
	sink := newActivitySink(app)

	app.directory = accounts.NewDirectory(app.repos, cipher,
		accounts.WithDirectoryLogger(app.GetLogger("directory")),
		accounts.WithDirectoryActivitySink(sink),
		accounts.WithBatchSize(app.config.Scheduler.BatchSize),
		accounts.WithPhoneRegion(cfg.PhoneRegion),
		accounts.WithDormantPlaceholder(cfg.DormantPlaceholder),
		accounts.WithDeterministicIDs(cfg.DeterministicIDs),
		accounts.WithDormancyThreshold(cfg.GetDormancyThreshold()),
		accounts.WithLeaveExpiry(cfg.GetLeaveExpiry()),
		accounts.WithLeavedRetention(cfg.GetLeavedRetention()),
	)

	app.auth = accounts.NewAuthenticator(app.repos, app.directory, tokens, cipher).
		WithLoginField(loginField).
		WithLogger(app.GetLogger("auth")).
		WithActivitySink(sink)

	app.GetLogger("auth").Info("authenticator ready", "login_field", app.auth.LoginField())

	return nil
}

// Authenticator returns the login boundary for a binding layer mounted on
// this process.
func (a *App) Authenticator() *accounts.Authenticator {
	return a.auth
}

func WithScheduler(_ context.Context, app *App) error {
	cfg := app.config.Scheduler
	if !cfg.Enabled {
		app.GetLogger("scheduler").Info("scheduler disabled")
		return nil
	}

	specs := scheduler.Specs{
		ReleaseSuspensions: cfg.ReleaseSuspensions,
		DormancySweep:      cfg.DormancySweep,
		LeavedRetention:    cfg.LeavedRetention,
		RevocationPrune:    cfg.RevocationPrune,
		NotificationSend:   cfg.NotificationSend,
	}

	runner := scheduler.NewRunner(
		scheduler.WithLogger(app.GetLogger("scheduler")),
		scheduler.WithMetrics(scheduler.NewMetrics(app.registry)),
		scheduler.WithJobTimeout(cfg.GetJobTimeout()),
	)

	if err := runner.RegisterAll(scheduler.LifecycleJobs(app.directory, app.tokens, specs, time.Now)...); err != nil {
		return err
	}

	if n := app.config.Notification; n.Enabled {
		sender := notification.NewKafkaSender(n.Brokers, n.Topic)
		app.onClose(sender.Close)

		dispatcher := notification.NewDispatcher(
			notification.NewStore(app.db),
			notification.NewTargetResolver(app.db),
			sender,
			notification.WithDispatcherLogger(app.GetLogger("notification")),
			notification.WithDispatchBatchSize(n.BatchSize),
		)

		if err := runner.Register(scheduler.NotificationJob(dispatcher, specs)); err != nil {
			return err
		}
	}

	app.runner = runner
	return nil
}

func WithMetricsServer(app *App) *http.Server {
	cfg := app.config.Metrics
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger := app.GetLogger("metrics")
		logger.Info("metrics server listening", "addr", cfg.Addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return srv
}

func newActivitySink(app *App) accounts.ActivitySink {
	cfg := app.config.Activity

	var publishers []activitymap.Publisher
	if cfg.Log {
		publishers = append(publishers, activitymap.LogPublisher(app.GetLogger("activity")))
	}
	if cfg.Publishes() {
		kp := activitymap.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
		app.onClose(kp.Close)
		publishers = append(publishers, kp)
	}

	if len(publishers) == 0 {
		return nil
	}
	return activitymap.NewSink(nil, publishers...)
}

func newCache(ctx context.Context, app *App) (cache.Cache, error) {
	cfg := app.config.Cache

	switch cfg.Driver {
	case config.CacheRedis:
		rc, err := cache.NewRedisFromURL(cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "redis unreachable")
		}
		app.onClose(rc.Close)
		return rc, nil
	case config.CacheNone:
		return nil, nil
	default:
		return cache.NewMemory(), nil
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close failed", "error", err)
		}
	}
	a.closers = nil
}

func redacted(cfg *config.Config) config.Config {
	out := *cfg
	if out.Auth.SigningKey != "" {
		out.Auth.SigningKey = "********"
	}
	return out
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
