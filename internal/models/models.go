// Package models defines the persisted aggregates of the bridge: simple
// product types with no inheritance, per the dependency-injected-container
// design note asking for plain dataclass-style structs.
package models

import "time"

// AccountStatus is the lifecycle state of an Account.
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
	AccountFailed   AccountStatus = "failed"
)

// Application is a registered third-party client. Immutable after creation
// except for Name; created by an out-of-scope admin flow.
type Application struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderContext carries the upstream IMAP/SMTP coordinates for an Account.
// SMTP fields are recorded but unused by the core (§9 Open Questions).
type ProviderContext struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

// Account is a mailbox tied to one application.
type Account struct {
	ID              string
	ExternalID      string // the opaque "grant id" surfaced to API consumers
	ApplicationID   string
	Email           string
	CredentialBlob  []byte // AES-GCM-encrypted password, see internal/cryptoutil
	Provider        ProviderContext
	Status          AccountStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuthorizationCode is a short-lived, single-use opaque string binding
// (application, account, redirect_uri). Valid iff UsedAt is nil and now is
// before ExpiresAt.
type AuthorizationCode struct {
	Code          string
	ApplicationID string
	AccountID     string
	RedirectURI   string
	Scope         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

// IsValid reports whether the code may still be consumed at instant now.
func (c *AuthorizationCode) IsValid(now time.Time) bool {
	return c.UsedAt == nil && now.Before(c.ExpiresAt)
}

// UIDTrackerEntry persists the last-seen UID per (account, folder,
// uidvalidity). Monotonic within a fixed (account, folder, uidvalidity)
// tuple; a uidvalidity change resets LastSeenUID to 0.
type UIDTrackerEntry struct {
	AccountID    string
	Folder       string
	UIDValidity  uint32
	LastSeenUID  uint32
	UpdatedAt    time.Time
}

// ConnectionHealthRecord is the durable per-account failure record. The
// listener's backoff uses the task's own in-memory failure counter, not
// this record.
type ConnectionHealthRecord struct {
	AccountID         string
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	ConsecutiveFailures int
	UpdatedAt         time.Time
}

// WebhookLogEntry is the append-only hand-off boundary between the core and
// the out-of-scope delivery shipper.
type WebhookLogEntry struct {
	ID        int64
	AccountID string
	Folder    string
	UID       uint32
	Subject   string
	From      string
	Seen      bool
	CreatedAt time.Time
}
