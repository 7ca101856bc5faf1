// Package listener implements the IDLE listener (§4.C): one supervised
// task per (account, folder) driving the sync -> idle -> wake -> backoff
// state machine. Grounded on the corpus's IMAP IDLE reference
// (other_examples' aerion internal/imap/idle.go) for the reconnect/backoff
// loop shape, adapted to the bridge's UID-delta sync and durable event
// hand-off instead of an in-process mail event channel.
package listener

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/events"
	"github.com/nolas/bridge/internal/imap"
	"github.com/nolas/bridge/internal/uidtrack"
)

// State is one of the listener task's lifecycle states (§4.C).
type State string

const (
	StateStarting   State = "starting"
	StateSyncing    State = "syncing"
	StateIdling     State = "idling"
	StateBackingOff State = "backing_off"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// DefaultIdleTimeout keeps the session under the RFC 2177 29-minute
// guideline.
const DefaultIdleTimeout = 1740 * time.Second

// DefaultMaxConsecutiveFailures is the failure ceiling past which the task
// gives up and transitions to StateFailed (§4.C).
const DefaultMaxConsecutiveFailures = 20

// DefaultMaxBackoff caps the exponential backoff sleep.
const DefaultMaxBackoff = 300 * time.Second

// AccountStatusUpdater is notified when a task exhausts its failure budget,
// so the account's persisted status can move to "failed" (§3 Account
// Status).
type AccountStatusUpdater interface {
	MarkFailed(ctx context.Context, accountID string) error
}

// Task drives one (account, folder) IDLE cycle end to end.
type Task struct {
	pool    *imap.Pool
	tracker *uidtrack.Tracker
	emitter *events.Emitter
	status  AccountStatusUpdater

	account imap.Account
	grantID string
	folder  string

	idleTimeout            time.Duration
	maxConsecutiveFailures int

	log zerolog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
}

// Config carries the tunables for a Task; zero values select the §4.C
// defaults.
type Config struct {
	IdleTimeout            time.Duration
	MaxConsecutiveFailures int
}

// NewTask constructs one listener task for account's folder.
func NewTask(pool *imap.Pool, tracker *uidtrack.Tracker, emitter *events.Emitter, status AccountStatusUpdater, account imap.Account, grantID, folder string, cfg Config, log zerolog.Logger) *Task {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &Task{
		pool:                   pool,
		tracker:                tracker,
		emitter:                emitter,
		status:                 status,
		account:                account,
		grantID:                grantID,
		folder:                 folder,
		idleTimeout:            cfg.IdleTimeout,
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		log:                    log.With().Str("account", account.ID).Str("folder", folder).Logger(),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Run executes the task's lifecycle until ctx is cancelled or the failure
// ceiling is reached. It always returns once either condition holds.
func (t *Task) Run(ctx context.Context) {
	t.setState(StateStarting)

	for {
		if ctx.Err() != nil {
			t.setState(StateStopped)
			return
		}

		conn, err := t.pool.GetConnection(ctx, t.account, t.folder)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(StateStopped)
				return
			}
			if t.handleFailure(ctx, fmt.Errorf("acquire connection: %w", err)) {
				t.setState(StateFailed)
				return
			}
			continue
		}

		stopped, failed := t.driveConnection(ctx, conn)
		if stopped {
			t.setState(StateStopped)
			return
		}
		if failed {
			t.setState(StateFailed)
			return
		}
	}
}

// driveConnection runs repeated sync/idle cycles on one acquired
// connection until it fails, the caller is cancelled, or the failure
// ceiling is reached. Return values report whether Run should stop.
func (t *Task) driveConnection(ctx context.Context, conn imap.Connection) (stopped, failed bool) {
	for {
		if ctx.Err() != nil {
			t.pool.Release(t.account, conn)
			return true, false
		}

		t.setState(StateSyncing)
		if err := t.syncOnce(ctx, conn); err != nil {
			t.pool.Close(t.account, conn)
			if ctx.Err() != nil {
				return true, false
			}
			if t.handleFailure(ctx, fmt.Errorf("sync: %w", err)) {
				return false, true
			}
			return false, false
		}

		t.setState(StateIdling)
		reason, err := conn.Idle(ctx, t.idleTimeout)
		if err != nil {
			// A cancelled context surfaces as (WakeCancelled, ctx.Err()):
			// the session is healthy and is released for reuse, not
			// closed. Any other error means IDLE itself failed and the
			// connection must be closed.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				t.pool.Release(t.account, conn)
				return true, false
			}
			t.pool.Close(t.account, conn)
			if t.handleFailure(ctx, fmt.Errorf("idle: %w", err)) {
				return false, true
			}
			return false, false
		}
		if reason == imap.WakeCancelled {
			t.pool.Release(t.account, conn)
			return true, false
		}

		t.resetFailures()
		// WakePush or WakeTimeout both return to sync (step 5); loop.
	}
}

// syncOnce implements steps 2-3: detect UIDVALIDITY divergence, compute the
// UID delta, emit each new message, and advance last_seen_uid only after
// the full batch has been durably accepted.
func (t *Task) syncOnce(ctx context.Context, conn imap.Connection) error {
	uidValidity, err := conn.Select(ctx, t.folder)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}

	entry := t.tracker.Load(t.account.ID, t.folder)
	if entry.UIDValidity != 0 && entry.UIDValidity != uidValidity {
		t.log.Warn().Uint32("old_uidvalidity", entry.UIDValidity).Uint32("new_uidvalidity", uidValidity).Msg("uidvalidity changed, resyncing folder")
		t.tracker.Reset(t.account.ID, t.folder, uidValidity)
		entry = t.tracker.Load(t.account.ID, t.folder)
	}

	uids, err := conn.UIDsSince(ctx, entry.LastSeenUID)
	if err != nil {
		return fmt.Errorf("uid search: %w", err)
	}
	if len(uids) == 0 {
		return t.tracker.Advance(t.account.ID, t.folder, uidValidity, entry.LastSeenUID)
	}

	maxUID := entry.LastSeenUID
	for _, uid := range uids {
		rec, err := conn.FetchEnvelope(ctx, uid)
		if err != nil {
			return fmt.Errorf("fetch envelope uid %d: %w", uid, err)
		}
		err = t.emitter.Emit(ctx, t.account.ID, t.grantID, t.folder, events.MessageRecord{
			UID:     rec.UID,
			Subject: rec.Subject,
			From:    rec.From,
			Seen:    rec.Seen,
		})
		if err != nil {
			return fmt.Errorf("emit uid %d: %w", uid, err)
		}
		if uid > maxUID {
			maxUID = uid
		}
	}

	return t.tracker.Advance(t.account.ID, t.folder, uidValidity, maxUID)
}

func (t *Task) resetFailures() {
	t.mu.Lock()
	t.consecutiveFailures = 0
	t.mu.Unlock()
}

// handleFailure increments the failure count, sleeps for a jittered
// exponential backoff, and reports whether the failure ceiling has been
// reached. A true result means the caller must transition to StateFailed
// and stop; a false result means the caller should retry from step 1.
func (t *Task) handleFailure(ctx context.Context, cause error) bool {
	t.mu.Lock()
	t.consecutiveFailures++
	failures := t.consecutiveFailures
	t.mu.Unlock()

	t.log.Warn().Err(cause).Int("consecutive_failures", failures).Msg("listener task failure")

	if failures > t.maxConsecutiveFailures {
		t.log.Error().Int("consecutive_failures", failures).Msg("failure ceiling reached, marking account failed")
		if t.status != nil {
			if err := t.status.MarkFailed(ctx, t.account.ID); err != nil {
				t.log.Error().Err(err).Msg("failed to persist failed account status")
			}
		}
		return true
	}

	t.setState(StateBackingOff)
	wait := backoffDuration(failures)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

// backoffDuration computes min(2^failures, cap) seconds with +/-20% jitter.
func backoffDuration(failures int) time.Duration {
	base := time.Second
	for i := 0; i < failures && base < DefaultMaxBackoff; i++ {
		base *= 2
	}
	if base > DefaultMaxBackoff {
		base = DefaultMaxBackoff
	}
	jitter := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(base) * jitter)
}
