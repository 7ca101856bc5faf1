package imap

import (
	"context"
	"time"
)

// EnvelopeRecord is the envelope metadata fetched for one new UID — the
// bridge never parses full MIME bodies (§1 Non-goals).
type EnvelopeRecord struct {
	UID     uint32
	Subject string
	From    string
	Date    time.Time
	Seen    bool
}

// WakeReason describes why an IDLE wait returned.
type WakeReason int

const (
	WakePush WakeReason = iota
	WakeTimeout
	WakeCancelled
)

// Connection is one live upstream IMAP session, wrapping a TLS-authenticated
// client. The pool owns exactly one entry per Connection; the listener
// drives its IDLE lifecycle.
type Connection interface {
	// Probe issues a NOOP under ctx's deadline to check liveness.
	Probe(ctx context.Context) bool
	// Select switches the session's server-side mailbox and returns its
	// UIDVALIDITY.
	Select(ctx context.Context, folder string) (uidValidity uint32, err error)
	// UIDsSince returns UIDs in (lastSeen, *] for the currently selected
	// folder, ascending.
	UIDsSince(ctx context.Context, lastSeen uint32) ([]uint32, error)
	// FetchEnvelope fetches envelope metadata and flags for one UID.
	FetchEnvelope(ctx context.Context, uid uint32) (EnvelopeRecord, error)
	// Idle enters IDLE and blocks until a server push arrives, timeout
	// elapses, or ctx is cancelled.
	Idle(ctx context.Context, timeout time.Duration) (WakeReason, error)
	// Close logs out and releases the underlying transport.
	Close() error
}
