package accounts

import (
	"context"
	"sync"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventStateChanged   ActivityEventType = "account.state.changed"
	ActivityEventSignup         ActivityEventType = "account.signup"
	ActivityEventProfileUpdated ActivityEventType = "account.profile.updated"
	ActivityEventMemoUpdated    ActivityEventType = "account.memo.updated"
	ActivityEventLoginSuccess   ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure   ActivityEventType = "auth.login.failure"
	ActivityEventTokenRefreshed ActivityEventType = "auth.token.refreshed"
	ActivityEventLogout         ActivityEventType = "auth.logout"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	AccountID  string
	FromState  AccountState
	ToState    AccountState
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity publishes event best effort, sink failures are only logged
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, now Clock, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: "system"}
	}

	if event.OccurredAt.IsZero() && now != nil {
		event.OccurredAt = now()
	}

	if outbox, ok := ctx.Value(activityOutboxKey{}).(*activityOutbox); ok {
		outbox.hold(sink, logger, event)
		return
	}

	publishActivity(ctx, sink, logger, event)
}

func publishActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink error", "event", event.EventType, "error", err)
	}
}

type activityOutboxKey struct{}

type heldActivity struct {
	sink   ActivitySink
	logger Logger
	event  ActivityEvent
}

// activityOutbox holds events recorded inside a transaction until it
// commits. A nested outbox hands its events to the parent on flush.
type activityOutbox struct {
	mu     sync.Mutex
	ctx    context.Context
	parent *activityOutbox
	held   []heldActivity
}

// withActivityOutbox returns a context whose activity is held back until
// flush is called on the returned outbox.
func withActivityOutbox(ctx context.Context) (context.Context, *activityOutbox) {
	outbox := &activityOutbox{ctx: ctx}
	if parent, ok := ctx.Value(activityOutboxKey{}).(*activityOutbox); ok {
		outbox.parent = parent
	}
	return context.WithValue(ctx, activityOutboxKey{}, outbox), outbox
}

func (o *activityOutbox) hold(sink ActivitySink, logger Logger, event ActivityEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held = append(o.held, heldActivity{sink: sink, logger: logger, event: event})
}

func (o *activityOutbox) take() []heldActivity {
	o.mu.Lock()
	defer o.mu.Unlock()
	held := o.held
	o.held = nil
	return held
}

// flush publishes the held events, or moves them to the parent outbox
func (o *activityOutbox) flush() {
	held := o.take()
	for _, h := range held {
		if o.parent != nil {
			o.parent.hold(h.sink, h.logger, h.event)
			continue
		}
		publishActivity(o.ctx, h.sink, h.logger, h.event)
	}
}

// discard drops the held events, used when the transaction rolled back
func (o *activityOutbox) discard() {
	o.take()
}
