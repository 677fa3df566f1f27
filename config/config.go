// Package config holds the runtime configuration of the accounts service.
package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	gconfig "github.com/goliatone/go-config/config"
	"github.com/goliatone/go-logger/glog"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Name         string       `koanf:"name" json:"name"`
	Auth         Auth         `koanf:"auth" json:"auth"`
	Persistence  Persistence  `koanf:"persistence" json:"persistence"`
	Scheduler    Scheduler    `koanf:"scheduler" json:"scheduler"`
	Cache        Cache        `koanf:"cache" json:"cache"`
	Notification Notification `koanf:"notification" json:"notification"`
	Activity     Activity     `koanf:"activity" json:"activity"`
	Metrics      Metrics      `koanf:"metrics" json:"metrics"`
}

type Auth struct {
	SigningKey         string   `koanf:"signing_key" json:"signing_key"`
	Issuer             string   `koanf:"issuer" json:"issuer"`
	Audience           []string `koanf:"audience" json:"audience"`
	AccessTTL          string   `koanf:"access_ttl" json:"access_ttl"`
	RefreshTTL         string   `koanf:"refresh_ttl" json:"refresh_ttl"`
	RevokeOnRotation   bool     `koanf:"revoke_on_rotation" json:"revoke_on_rotation"`
	LoginField         string   `koanf:"login_field" json:"login_field"`
	PhoneRegion        string   `koanf:"phone_region" json:"phone_region"`
	DormantPlaceholder string   `koanf:"dormant_placeholder" json:"dormant_placeholder"`
	DormancyThreshold  string   `koanf:"dormancy_threshold" json:"dormancy_threshold"`
	LeaveExpiry        string   `koanf:"leave_expiry" json:"leave_expiry"`
	LeavedRetention    string   `koanf:"leaved_retention" json:"leaved_retention"`
	DeterministicIDs   bool     `koanf:"deterministic_ids" json:"deterministic_ids"`
}

type Persistence struct {
	Driver      string `koanf:"driver" json:"driver"`
	DSN         string `koanf:"dsn" json:"dsn"`
	PingTimeout string `koanf:"ping_timeout" json:"ping_timeout"`
	Debug       bool   `koanf:"debug" json:"debug"`
	OtelID      string `koanf:"otel_identifier" json:"otel_identifier"`
}

type Scheduler struct {
	Enabled            bool   `koanf:"enabled" json:"enabled"`
	BatchSize          int    `koanf:"batch_size" json:"batch_size"`
	JobTimeout         string `koanf:"job_timeout" json:"job_timeout"`
	ReleaseSuspensions string `koanf:"release_suspensions" json:"release_suspensions"`
	DormancySweep      string `koanf:"dormancy_sweep" json:"dormancy_sweep"`
	LeavedRetention    string `koanf:"leaved_retention" json:"leaved_retention"`
	RevocationPrune    string `koanf:"revocation_prune" json:"revocation_prune"`
	NotificationSend   string `koanf:"notification_send" json:"notification_send"`
}

type Cache struct {
	Driver   string `koanf:"driver" json:"driver"`
	RedisURL string `koanf:"redis_url" json:"redis_url"`
	Prefix   string `koanf:"prefix" json:"prefix"`
	TTL      string `koanf:"ttl" json:"ttl"`
}

type Notification struct {
	Enabled   bool     `koanf:"enabled" json:"enabled"`
	Brokers   []string `koanf:"brokers" json:"brokers"`
	Topic     string   `koanf:"topic" json:"topic"`
	BatchSize int      `koanf:"batch_size" json:"batch_size"`
}

// Activity controls where account activity events are published. Events
// are logged when Log is set and written to Topic when brokers are given.
type Activity struct {
	Log     bool     `koanf:"log" json:"log"`
	Brokers []string `koanf:"brokers" json:"brokers"`
	Topic   string   `koanf:"topic" json:"topic"`
}

type Metrics struct {
	Addr string `koanf:"addr" json:"addr"`
	Path string `koanf:"path" json:"path"`
}

// Defaults returns a Config with every optional value filled in. The
// signing key, issuer and both token lifetimes have no default.
func Defaults() *Config {
	return &Config{
		Name: "accounts",
		Auth: Auth{
			LoginField:         "name",
			PhoneRegion:        "KR",
			DormantPlaceholder: "dormant",
			DormancyThreshold:  "8760h",
			LeaveExpiry:        "720h",
			LeavedRetention:    "4320h",
		},
		Persistence: Persistence{
			Driver:      DriverSQLite,
			DSN:         "file:accounts.db?cache=shared",
			PingTimeout: "5s",
		},
		Scheduler: Scheduler{
			Enabled:   true,
			BatchSize: 100,
		},
		Cache: Cache{
			Driver: CacheMemory,
			Prefix: "accounts",
			TTL:    "720h",
		},
		Notification: Notification{
			Topic:     "account-notifications",
			BatchSize: 200,
		},
		Activity: Activity{
			Log:   true,
			Topic: "account-activity",
		},
		Metrics: Metrics{
			Addr: ":9464",
			Path: "/metrics",
		},
	}
}

// Validate reports every invalid or missing value. A token configuration
// without key, issuer or lifetimes is rejected.
func (c Config) Validate() error {
	return validation.Errors{
		"auth":         c.Auth.Validate(),
		"persistence":  c.Persistence.Validate(),
		"scheduler":    c.Scheduler.Validate(),
		"cache":        c.Cache.Validate(),
		"notification": c.Notification.Validate(),
		"activity":     c.Activity.Validate(),
	}.Filter()
}

func (a Auth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SigningKey, validation.Required),
		validation.Field(&a.Issuer, validation.Required),
		validation.Field(&a.AccessTTL, validation.Required, validation.By(positiveDuration)),
		validation.Field(&a.RefreshTTL, validation.Required, validation.By(positiveDuration)),
		validation.Field(&a.LoginField, validation.In("name", "email")),
		validation.Field(&a.DormancyThreshold, validation.By(positiveDuration)),
		validation.Field(&a.LeaveExpiry, validation.By(positiveDuration)),
		validation.Field(&a.LeavedRetention, validation.By(positiveDuration)),
	)
}

func (p Persistence) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&p.DSN, validation.Required),
		validation.Field(&p.PingTimeout, validation.By(positiveDuration)),
	)
}

func (s Scheduler) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.BatchSize, validation.Min(0)),
		validation.Field(&s.JobTimeout, validation.By(positiveDuration)),
	)
}

func (c Cache) Validate() error {
	rules := []validation.Rule{}
	if c.Driver == CacheRedis {
		rules = append(rules, validation.Required)
	}

	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In(CacheNone, CacheMemory, CacheRedis)),
		validation.Field(&c.RedisURL, rules...),
		validation.Field(&c.TTL, validation.By(positiveDuration)),
	)
}

func (n Notification) Validate() error {
	rules := []validation.Rule{}
	if n.Enabled {
		rules = append(rules, validation.Required)
	}

	return validation.ValidateStruct(&n,
		validation.Field(&n.Brokers, rules...),
		validation.Field(&n.Topic, rules...),
		validation.Field(&n.BatchSize, validation.Min(0)),
	)
}

func (a Activity) Validate() error {
	rules := []validation.Rule{}
	if len(a.Brokers) > 0 {
		rules = append(rules, validation.Required)
	}

	return validation.ValidateStruct(&a,
		validation.Field(&a.Topic, rules...),
	)
}

// Publishes reports whether activity goes to kafka
func (a Activity) Publishes() bool {
	return len(a.Brokers) > 0 && a.Topic != ""
}

func (a Auth) GetAccessTTL() time.Duration {
	return mustDuration(a.AccessTTL, 0)
}

func (a Auth) GetRefreshTTL() time.Duration {
	return mustDuration(a.RefreshTTL, 0)
}

func (a Auth) GetDormancyThreshold() time.Duration {
	return mustDuration(a.DormancyThreshold, 0)
}

func (a Auth) GetLeaveExpiry() time.Duration {
	return mustDuration(a.LeaveExpiry, 0)
}

func (a Auth) GetLeavedRetention() time.Duration {
	return mustDuration(a.LeavedRetention, 0)
}

func (p Persistence) GetPingTimeout() time.Duration {
	return mustDuration(p.PingTimeout, 5*time.Second)
}

func (p Persistence) GetDebug() bool {
	return p.Debug
}

func (p Persistence) GetDriver() string {
	return p.Driver
}

func (p Persistence) GetServer() string {
	return p.DSN
}

func (p Persistence) GetOtelIdentifier() string {
	return p.OtelID
}

func (s Scheduler) GetJobTimeout() time.Duration {
	return mustDuration(s.JobTimeout, 0)
}

func (c Cache) GetTTL() time.Duration {
	return mustDuration(c.TTL, 0)
}

// Load reads an optional .env file into the environment and then loads
// the configuration on top of Defaults. The result is validated.
func Load(ctx context.Context, logger glog.Logger, envFiles ...string) (*gconfig.Container[*Config], error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	container := gconfig.New(Defaults())
	if logger != nil {
		container = container.WithLogger(logger)
	}

	if err := container.Load(ctx); err != nil {
		return nil, err
	}

	if err := container.Raw().Validate(); err != nil {
		return nil, err
	}

	return container, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

func positiveDuration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a valid duration")
	}
	if d <= 0 {
		return errors.New("must be a positive duration")
	}
	return nil
}

func mustDuration(expr string, fallback time.Duration) time.Duration {
	if expr == "" {
		return fallback
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		panic("unable to parse duration: expr " + expr)
	}
	return d
}
