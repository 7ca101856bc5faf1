// Package authcode implements the authorization code store (§4.F): short
// lived, single-use codes binding an application and account to a pending
// token exchange. Adapted from the teacher's internal/grants/store.go
// (mutex-guarded slice with ID generation), replacing on-disk grant
// persistence with the single-use consume semantics the codes need.
package authcode

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a code does not exist.
var ErrNotFound = errors.New("authcode: code not found")

// ErrAlreadyUsed is returned when consume is called on a code that has
// already been consumed.
var ErrAlreadyUsed = errors.New("authcode: code already used")

// ErrExpired is returned when Consume is called at or past ExpiresAt.
// Lookup returns expired codes as they are; callers check IsValid.
var ErrExpired = errors.New("authcode: code expired")

// DefaultTTL is the code lifetime applied by Issue when none is given,
// per §4.F.
const DefaultTTL = 10 * time.Minute

// codeEntropyBytes yields a code with at least 128 bits of entropy once
// base64url-encoded (§4.F).
const codeEntropyBytes = 18

// Code is one issued authorization code (§3 Authorization Code).
type Code struct {
	Value         string
	ApplicationID string
	AccountID     string
	RedirectURI   string
	Scope         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

// IsValid reports whether c is unconsumed and unexpired as of now.
func (c *Code) IsValid(now time.Time) bool {
	return c.UsedAt == nil && now.Before(c.ExpiresAt)
}

// Store holds issued authorization codes in memory, guarded by a mutex so
// that consume's read-check-write sequence is atomic — the in-process
// equivalent of the single-row conditional UPDATE a persistent store would
// use (§5).
type Store struct {
	mu    sync.Mutex
	codes map[string]*Code
	ttl   time.Duration
}

// NewStore creates an empty code store. ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{codes: make(map[string]*Code), ttl: ttl}
}

// Issue mints a new single-use code bound to the given application,
// account, redirect URI, and scope.
func (s *Store) Issue(applicationID, accountID, redirectURI, scope string) (*Code, error) {
	value, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("authcode: generate code: %w", err)
	}

	now := time.Now()
	c := &Code{
		Value:         value,
		ApplicationID: applicationID,
		AccountID:     accountID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.ttl),
	}

	s.mu.Lock()
	s.codes[value] = c
	s.mu.Unlock()

	cp := *c
	return &cp, nil
}

// Lookup returns a copy of the code's current state without consuming it.
func (s *Store) Lookup(value string) (*Code, error) {
	s.mu.Lock()
	c, ok := s.codes[value]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Consume atomically marks the code used, returning it if and only if it
// was present, unexpired, and not already used. Single-use is enforced by
// holding the store's mutex across the entire check-and-set.
func (s *Store) Consume(value string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[value]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if c.UsedAt != nil {
		return nil, ErrAlreadyUsed
	}
	if !now.Before(c.ExpiresAt) {
		return nil, ErrExpired
	}

	usedAt := now
	c.UsedAt = &usedAt

	cp := *c
	return &cp, nil
}

func generateCode() (string, error) {
	b := make([]byte, codeEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
