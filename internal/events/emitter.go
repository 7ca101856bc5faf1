// Package events implements the event emitter (§4.E): it durably records
// one webhook log entry per new message before returning, so that the
// listener's advance of last_seen_uid can never precede durable capture of
// the event. Delivery to the subscriber's webhook is a best-effort,
// out-of-scope shipper layered on top via notify.Channel.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/models"
	"github.com/nolas/bridge/internal/notify"
)

// Log is the durable append-only store the emitter writes to before
// returning. A concrete implementation lives in internal/db; tests and
// in-process callers may use NewMemoryLog.
type Log interface {
	Append(ctx context.Context, entry models.WebhookLogEntry) (models.WebhookLogEntry, error)
}

// Emitter records new-message events and forwards them, best-effort, to a
// notify.Channel.
type Emitter struct {
	log     Log
	shipper notify.Channel // nil disables delivery, durable capture still happens
	logger  zerolog.Logger
}

// New constructs an emitter. shipper may be nil to disable webhook
// delivery while still durably recording events.
func New(log Log, shipper notify.Channel, logger zerolog.Logger) *Emitter {
	return &Emitter{log: log, shipper: shipper, logger: logger}
}

// MessageRecord is the minimal envelope data the listener passes to Emit
// for one new message.
type MessageRecord struct {
	UID     uint32
	Subject string
	From    string
	Seen    bool
}

// Emit durably appends the event for one new message, then attempts
// best-effort delivery. The durable append happening first, and
// synchronously with respect to the caller, is what lets the listener
// safely advance last_seen_uid only after Emit returns without error.
func (e *Emitter) Emit(ctx context.Context, accountID, grantID, folder string, rec MessageRecord) error {
	entry := models.WebhookLogEntry{
		AccountID: accountID,
		Folder:    folder,
		UID:       rec.UID,
		Subject:   rec.Subject,
		From:      rec.From,
		Seen:      rec.Seen,
		CreatedAt: time.Now(),
	}

	stored, err := e.log.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("events: durable append failed for account %s folder %s uid %d: %w", accountID, folder, rec.UID, err)
	}

	if e.shipper == nil {
		return nil
	}

	msg := notify.Message{
		EventID:   stored.ID,
		GrantID:   grantID,
		Folder:    stored.Folder,
		UID:       stored.UID,
		Subject:   stored.Subject,
		From:      stored.From,
		Seen:      stored.Seen,
		CreatedAt: stored.CreatedAt,
	}
	if err := e.shipper.Send(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Str("account", accountID).Uint32("uid", rec.UID).Msg("webhook delivery failed, event already durably recorded")
	}
	return nil
}
