// Package notification stores scheduled push notifications, resolves their
// recipients and hands them to a Sender. Records are marked sent only after
// a successful send, so delivery is at least once.
package notification

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Target selects how the recipients of a notification are resolved
type Target string

const (
	// TargetAll every ACTIVE account
	TargetAll Target = "ALL"
	// TargetRecipients the explicit recipient list, filtered to ACTIVE accounts
	TargetRecipients Target = "RECIPIENTS"
	// TargetPlatform ACTIVE accounts with a device on Platform
	TargetPlatform Target = "PLATFORM"
)

// Platform of a registered device
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// ScheduledNotification is a notification waiting for its dispatch time
type ScheduledNotification struct {
	bun.BaseModel `bun:"table:scheduled_notifications,alias:ntf"`
	ID            uuid.UUID         `bun:"id,pk,type:uuid" json:"id"`
	Title         string            `bun:"title,notnull" json:"title"`
	Body          string            `bun:"body,notnull" json:"body"`
	Payload       map[string]string `bun:"payload" json:"payload,omitempty"`
	Target        Target            `bun:"target,notnull" json:"target"`
	Recipients    []string          `bun:"recipients" json:"recipients,omitempty"`
	Platform      Platform          `bun:"platform,notnull" json:"platform,omitempty"`
	ScheduledAt   time.Time         `bun:"scheduled_at,notnull" json:"scheduled_at"`
	IsSend        bool              `bun:"is_send,notnull" json:"is_send"`
	SentAt        *time.Time        `bun:"sent_at,nullzero" json:"sent_at,omitempty"`
	CreatedAt     time.Time         `bun:"created_at,nullzero,notnull" json:"created_at"`
}

// Device is a push endpoint registered by an account
type Device struct {
	bun.BaseModel `bun:"table:account_devices,alias:dev"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	AccountID     uuid.UUID `bun:"account_id,notnull,type:uuid" json:"account_id"`
	Platform      Platform  `bun:"platform,notnull" json:"platform"`
	PushToken     string    `bun:"push_token,notnull" json:"push_token"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull" json:"updated_at"`
}

// Recipient is a resolved account together with its devices
type Recipient struct {
	AccountID uuid.UUID `json:"account_id"`
	Devices   []Device  `json:"devices,omitempty"`
}

// Message is what a Sender receives for one notification
type Message struct {
	NotificationID uuid.UUID         `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Payload        map[string]string `json:"payload,omitempty"`
	Recipients     []Recipient       `json:"recipients"`
}
