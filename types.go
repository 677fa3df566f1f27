package accounts

import (
	"fmt"
	"time"
)

// Logger is the logging contract used across the package. It is satisfied
// by go-logger's glog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoginField selects the account column used as login identifier. It is
// chosen once at startup.
type LoginField string

const (
	// LoginByName uses the unique account name
	LoginByName LoginField = "name"
	// LoginByEmail uses the unique account email
	LoginByEmail LoginField = "email"
)

// Column returns the accounts column backing the login field
func (f LoginField) Column() string {
	switch f {
	case LoginByEmail:
		return "email"
	default:
		return "name"
	}
}

// ParseLoginField maps a configuration value to a LoginField
func ParseLoginField(value string) (LoginField, error) {
	switch LoginField(value) {
	case LoginByName, "":
		return LoginByName, nil
	case LoginByEmail:
		return LoginByEmail, nil
	default:
		return "", fmt.Errorf("unknown login field %q", value)
	}
}

// ActorRef identifies who/what triggered an operation.
type ActorRef struct {
	ID   string
	Type string
}

// SystemActor is used by scheduled jobs
var SystemActor = ActorRef{ID: "scheduler", Type: "system"}

// Clock returns the current time
type Clock func() time.Time

func utcClock(now Clock) Clock {
	if now == nil {
		now = time.Now
	}
	return func() time.Time {
		return now().UTC()
	}
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	logLine("DBG", msg, args...)
}

func (d defLogger) Info(msg string, args ...any) {
	logLine("INF", msg, args...)
}

func (d defLogger) Warn(msg string, args ...any) {
	logLine("WRN", msg, args...)
}

func (d defLogger) Error(msg string, args ...any) {
	logLine("ERR", msg, args...)
}

func logLine(level, msg string, args ...any) {
	fmt.Println(append([]any{"[" + level + "] ACCOUNTS " + msg}, args...)...)
}

// DefaultLogger returns the stdout logger used when none is configured
func DefaultLogger() Logger {
	return defLogger{}
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

func normalizeLogger(logger Logger) Logger {
	if logger == nil {
		return defLogger{}
	}
	return logger
}
