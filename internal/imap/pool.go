// Package imap implements the IMAP connection pool (§4.B) and the real
// upstream dialer backing it. Adapted from the teacher's
// internal/imap/pool.go (per-endpoint connection reuse guarded by a mutex
// and a semaphore) and internal/imap/client.go (the go-imap/v2 dialer),
// generalized to the bridge's account/folder reuse rules, liveness probing,
// and rate-limiter gating.
package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/ratelimit"
)

var (
	// ErrConnectionFailed is returned when establishing a new upstream
	// session fails; the account identifier is attached via fmt.Errorf.
	ErrConnectionFailed = errors.New("imap: failed to connect")
	// ErrProviderNotAllowed is returned when an account's provider host is
	// not in the configured allowlist (§9 Open Questions resolution).
	ErrProviderNotAllowed = errors.New("imap: upstream_unavailable: provider not allowlisted")
)

// Account is the subset of account data the pool needs to open or reuse a
// session. Password is the decrypted credential, resolved by the caller
// from Account.CredentialBlob immediately before use and never retained by
// the pool beyond the dial call.
type Account struct {
	ID       string
	Email    string
	Password string
	Host     string
	Port     int
}

// ConnectionConfig carries everything a Dialer needs to establish a new
// upstream session.
type ConnectionConfig struct {
	Host     string
	Port     int
	Email    string
	Password string
	Timeout  time.Duration
}

// Dialer creates new upstream IMAP sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectionConfig) (Connection, error)
}

// entry is the pool's bookkeeping record for one live session — the Go
// form of §3's Connection Info.
type entry struct {
	conn           Connection
	accountID      string
	lastUsed       time.Time
	isIdle         bool
	selectedFolder string
}

// providerPool holds the connections and admission control for one
// upstream host.
type providerPool struct {
	mu    sync.Mutex
	conns []*entry
	sem   chan struct{}
}

// Pool owns IMAP sessions keyed by provider host.
type Pool struct {
	dialer         Dialer
	limiters       *ratelimit.Registry
	maxPerProvider int
	imapTimeout    time.Duration
	log            zerolog.Logger

	mu      sync.RWMutex
	byHost  map[string]*providerPool
	allowed map[string]bool // nil means no allowlist configured
}

// NewPool constructs a connection pool. maxPerProvider defaults to 10 when
// <= 0 per §4.B. allowedProviders, if non-empty, restricts which hosts
// GetConnection will dial against; a nil/empty slice allows any host.
func NewPool(dialer Dialer, limiters *ratelimit.Registry, maxPerProvider int, imapTimeout time.Duration, allowedProviders []string, log zerolog.Logger) *Pool {
	if maxPerProvider <= 0 {
		maxPerProvider = 10
	}
	if imapTimeout <= 0 {
		imapTimeout = 300 * time.Second
	}
	var allowed map[string]bool
	if len(allowedProviders) > 0 {
		allowed = make(map[string]bool, len(allowedProviders))
		for _, p := range allowedProviders {
			allowed[p] = true
		}
	}
	return &Pool{
		dialer:         dialer,
		limiters:       limiters,
		maxPerProvider: maxPerProvider,
		imapTimeout:    imapTimeout,
		log:            log,
		byHost:         make(map[string]*providerPool),
		allowed:        allowed,
	}
}

// GetConnection implements §4.B's five-step contract: rate-limit, reuse,
// probe, or dial anew.
func (p *Pool) GetConnection(ctx context.Context, account Account, folder string) (Connection, error) {
	if p.allowed != nil && !p.allowed[account.Host] {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotAllowed, account.Host)
	}

	if err := p.limiters.Acquire(ctx, account.Host, 1); err != nil {
		return nil, fmt.Errorf("imap: rate limiter wait for account %s: %w", account.ID, err)
	}

	pp := p.providerPoolFor(account.Host)

	// Up to two attempts: a dead entry found on the first pass is evicted
	// and the scan retried once before falling through to dialing anew.
	for attempt := 0; attempt < 2; attempt++ {
		if e := p.findReusable(ctx, pp, account, folder); e != nil {
			return e.conn, nil
		}
	}

	return p.dialNew(ctx, pp, account, folder)
}

func (p *Pool) findReusable(ctx context.Context, pp *providerPool, account Account, folder string) *entry {
	pp.mu.Lock()
	var candidate *entry
	for _, e := range pp.conns {
		if e.accountID == account.ID && !e.isIdle && (folder == "" || e.selectedFolder == folder) {
			candidate = e
			break
		}
	}
	pp.mu.Unlock()

	if candidate == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	alive := candidate.conn.Probe(probeCtx)
	cancel()

	if !alive {
		p.evict(pp, candidate)
		return nil
	}

	if folder != "" && candidate.selectedFolder != folder {
		selectCtx, cancel := context.WithTimeout(ctx, p.imapTimeout)
		_, err := candidate.conn.Select(selectCtx, folder)
		cancel()
		if err != nil {
			p.evict(pp, candidate)
			return nil
		}
		pp.mu.Lock()
		candidate.selectedFolder = folder
		pp.mu.Unlock()
	}

	pp.mu.Lock()
	candidate.lastUsed = time.Now()
	pp.mu.Unlock()
	return candidate
}

func (p *Pool) dialNew(ctx context.Context, pp *providerPool, account Account, folder string) (Connection, error) {
	select {
	case pp.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.imapTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx, ConnectionConfig{
		Host:     account.Host,
		Port:     account.Port,
		Email:    account.Email,
		Password: account.Password,
		Timeout:  p.imapTimeout,
	})
	if err != nil {
		<-pp.sem
		return nil, fmt.Errorf("%w for account %s: %v", ErrConnectionFailed, account.ID, err)
	}

	selectedFolder := ""
	if folder != "" {
		if _, err := conn.Select(dialCtx, folder); err != nil {
			conn.Close()
			<-pp.sem
			return nil, fmt.Errorf("%w for account %s: select %s: %v", ErrConnectionFailed, account.ID, folder, err)
		}
		selectedFolder = folder
	}

	e := &entry{
		conn:           conn,
		accountID:      account.ID,
		lastUsed:       time.Now(),
		selectedFolder: selectedFolder,
	}
	pp.mu.Lock()
	pp.conns = append(pp.conns, e)
	pp.mu.Unlock()

	p.log.Info().Str("account", account.ID).Str("provider", account.Host).Str("folder", folder).Msg("opened new imap connection")
	return conn, nil
}

// StartIdle marks the session as entering IDLE.
func (p *Pool) StartIdle(account Account, conn Connection) error {
	pp := p.providerPoolFor(account.Host)
	pp.mu.Lock()
	e := pp.find(conn)
	if e != nil {
		e.isIdle = true
	}
	pp.mu.Unlock()
	if e == nil {
		return fmt.Errorf("imap: connection not found in pool for account %s", account.ID)
	}
	return nil
}

// StopIdle clears the IDLE flag. The IDLE protocol command itself is
// issued/terminated by the caller (the listener), which owns the
// session's I/O loop; the pool only tracks is_idle bookkeeping.
func (p *Pool) StopIdle(account Account, conn Connection) {
	pp := p.providerPoolFor(account.Host)
	pp.mu.Lock()
	if e := pp.find(conn); e != nil {
		e.isIdle = false
	}
	pp.mu.Unlock()
}

// Release clears is_idle and refreshes last_used without closing.
func (p *Pool) Release(account Account, conn Connection) {
	pp := p.providerPoolFor(account.Host)
	pp.mu.Lock()
	if e := pp.find(conn); e != nil {
		e.isIdle = false
		e.lastUsed = time.Now()
	}
	pp.mu.Unlock()
}

// Close removes the entry and attempts a clean logout. Logout failure is
// logged, not raised, per §4.B.
func (p *Pool) Close(account Account, conn Connection) {
	pp := p.providerPoolFor(account.Host)
	pp.mu.Lock()
	var found *entry
	remaining := pp.conns[:0]
	for _, e := range pp.conns {
		if e.conn == conn {
			found = e
			continue
		}
		remaining = append(remaining, e)
	}
	pp.conns = remaining
	pp.mu.Unlock()

	if found == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.log.Warn().Err(err).Str("account", account.ID).Msg("error closing imap connection")
	}
	select {
	case <-pp.sem:
	default:
	}
}

func (p *Pool) evict(pp *providerPool, e *entry) {
	pp.mu.Lock()
	remaining := pp.conns[:0]
	for _, existing := range pp.conns {
		if existing != e {
			remaining = append(remaining, existing)
		}
	}
	pp.conns = remaining
	pp.mu.Unlock()

	e.conn.Close()
	select {
	case <-pp.sem:
	default:
	}
}

// CleanupIdle closes entries unused for longer than maxIdle (default 600s
// when maxIdle <= 0).
func (p *Pool) CleanupIdle(maxIdle time.Duration) {
	if maxIdle <= 0 {
		maxIdle = 600 * time.Second
	}
	now := time.Now()

	p.mu.RLock()
	hosts := make([]string, 0, len(p.byHost))
	for h := range p.byHost {
		hosts = append(hosts, h)
	}
	p.mu.RUnlock()

	for _, host := range hosts {
		pp := p.providerPoolFor(host)
		pp.mu.Lock()
		var stale []*entry
		remaining := pp.conns[:0]
		for _, e := range pp.conns {
			if now.Sub(e.lastUsed) > maxIdle {
				stale = append(stale, e)
				continue
			}
			remaining = append(remaining, e)
		}
		pp.conns = remaining
		pp.mu.Unlock()

		for _, e := range stale {
			if err := e.conn.Close(); err != nil {
				p.log.Warn().Err(err).Str("account", e.accountID).Msg("error closing idle connection")
			}
			select {
			case <-pp.sem:
			default:
			}
		}
	}
}

// ProviderStats summarizes one provider's connection counts.
type ProviderStats struct {
	Total  int
	Idle   int
	Active int
}

// Stats returns a snapshot of connection counts per provider.
func (p *Pool) Stats() map[string]ProviderStats {
	p.mu.RLock()
	hosts := make([]string, 0, len(p.byHost))
	for h := range p.byHost {
		hosts = append(hosts, h)
	}
	p.mu.RUnlock()

	out := make(map[string]ProviderStats, len(hosts))
	for _, host := range hosts {
		pp := p.providerPoolFor(host)
		pp.mu.Lock()
		s := ProviderStats{Total: len(pp.conns)}
		for _, e := range pp.conns {
			if e.isIdle {
				s.Idle++
			} else {
				s.Active++
			}
		}
		pp.mu.Unlock()
		out[host] = s
	}
	return out
}

// CloseAll drains the pool. Idempotent.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	hosts := p.byHost
	p.byHost = make(map[string]*providerPool)
	p.mu.Unlock()

	for _, pp := range hosts {
		pp.mu.Lock()
		conns := pp.conns
		pp.conns = nil
		pp.mu.Unlock()
		for _, e := range conns {
			e.conn.Close()
		}
	}
}

func (p *Pool) providerPoolFor(host string) *providerPool {
	p.mu.RLock()
	pp, ok := p.byHost[host]
	p.mu.RUnlock()
	if ok {
		return pp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok = p.byHost[host]; ok {
		return pp
	}
	pp = &providerPool{sem: make(chan struct{}, p.maxPerProvider)}
	p.byHost[host] = pp
	return pp
}

func (pp *providerPool) find(conn Connection) *entry {
	for _, e := range pp.conns {
		if e.conn == conn {
			return e
		}
	}
	return nil
}
