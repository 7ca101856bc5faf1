package listener

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/events"
	"github.com/nolas/bridge/internal/imap"
	"github.com/nolas/bridge/internal/uidtrack"
)

// Supervisor owns the set of running listener tasks, one per (account,
// folder), and provides start/stop lifecycle management. Grounded on the
// corpus's IdleManager (other_examples' aerion internal/imap/idle.go),
// generalized from a single-folder-per-account model to arbitrary watched
// folders.
type Supervisor struct {
	pool    *imap.Pool
	tracker *uidtrack.Tracker
	emitter *events.Emitter
	status  AccountStatusUpdater
	cfg     Config
	log     zerolog.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor constructs a supervisor sharing one pool, tracker, and
// emitter across every task it starts.
func NewSupervisor(pool *imap.Pool, tracker *uidtrack.Tracker, emitter *events.Emitter, status AccountStatusUpdater, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		pool:    pool,
		tracker: tracker,
		emitter: emitter,
		status:  status,
		cfg:     cfg,
		log:     log,
		cancel:  make(map[string]context.CancelFunc),
	}
}

func taskKey(accountID, folder string) string {
	return accountID + "\x00" + folder
}

// StartAccount starts a listener task for account's folder under parent,
// unless one is already running. grantID is threaded through to every
// emitted event.
func (s *Supervisor) StartAccount(parent context.Context, account imap.Account, grantID, folder string) {
	key := taskKey(account.ID, folder)

	s.mu.Lock()
	if _, running := s.cancel[key]; running {
		s.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(parent)
	s.cancel[key] = cancel
	s.mu.Unlock()

	task := NewTask(s.pool, s.tracker, s.emitter, s.status, account, grantID, folder, s.cfg, s.log)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task.Run(taskCtx)
		s.mu.Lock()
		delete(s.cancel, key)
		s.mu.Unlock()
	}()
}

// StopAccount cancels the running task for account's folder, if any.
func (s *Supervisor) StopAccount(accountID, folder string) {
	key := taskKey(accountID, folder)
	s.mu.Lock()
	cancel, ok := s.cancel[key]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every running task and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, cancel := range s.cancel {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Running reports how many tasks are currently active.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancel)
}
