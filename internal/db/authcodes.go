package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/authcode"
)

const codeEntropyBytes = 18

// AuthorizationCodeRepo is the Postgres-backed Authorization Code Store
// (§4.F), standing in for authcode.Store in deployments with a real
// database. consume is a single conditional UPDATE, matching §5's "a
// single atomic conditional write at the persistence layer; no in-process
// lock is required."
type AuthorizationCodeRepo struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewAuthorizationCodeRepo wraps pool for authorization code persistence.
// ttl <= 0 selects authcode.DefaultTTL.
func NewAuthorizationCodeRepo(pool *pgxpool.Pool, ttl time.Duration) *AuthorizationCodeRepo {
	if ttl <= 0 {
		ttl = authcode.DefaultTTL
	}
	return &AuthorizationCodeRepo{pool: pool, ttl: ttl}
}

// Issue mints and stores a new single-use code.
func (r *AuthorizationCodeRepo) Issue(ctx context.Context, applicationID, accountID, redirectURI, scope string) (*authcode.Code, error) {
	value, err := generateCodeValue()
	if err != nil {
		return nil, fmt.Errorf("db: generate code: %w", err)
	}

	c := &authcode.Code{
		Value:         value,
		ApplicationID: applicationID,
		AccountID:     accountID,
		RedirectURI:   redirectURI,
		Scope:         scope,
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO authorization_codes (code, application_id, account_id, redirect_uri, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + ($6 * interval '1 second'))
		RETURNING code, application_id, account_id, redirect_uri, scope, issued_at, expires_at, used_at
	`, c.Value, c.ApplicationID, c.AccountID, c.RedirectURI, c.Scope, r.ttl.Seconds()).Scan(
		&c.Value, &c.ApplicationID, &c.AccountID, &c.RedirectURI, &c.Scope, &c.IssuedAt, &c.ExpiresAt, &c.UsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("db: issue authorization code: %w", err)
	}
	return c, nil
}

// Lookup returns the current state of value without consuming it.
func (r *AuthorizationCodeRepo) Lookup(ctx context.Context, value string) (*authcode.Code, error) {
	c := &authcode.Code{}
	err := r.pool.QueryRow(ctx, `
		SELECT code, application_id, account_id, redirect_uri, scope, issued_at, expires_at, used_at
		FROM authorization_codes WHERE code = $1
	`, value).Scan(&c.Value, &c.ApplicationID, &c.AccountID, &c.RedirectURI, &c.Scope, &c.IssuedAt, &c.ExpiresAt, &c.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcode.ErrNotFound
		}
		return nil, fmt.Errorf("db: lookup authorization code: %w", err)
	}
	return c, nil
}

// Consume atomically marks value used, failing with authcode.ErrNotFound,
// authcode.ErrAlreadyUsed, or authcode.ErrExpired as appropriate. The
// single UPDATE ... WHERE used_at IS NULL AND expires_at > now() is the
// atomic conditional write; a row count of zero means some other request
// already won the race, or the code never existed, or it is expired, and
// a follow-up Lookup distinguishes which.
func (r *AuthorizationCodeRepo) Consume(ctx context.Context, value string) (*authcode.Code, error) {
	c := &authcode.Code{}
	err := r.pool.QueryRow(ctx, `
		UPDATE authorization_codes
		SET used_at = now()
		WHERE code = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING code, application_id, account_id, redirect_uri, scope, issued_at, expires_at, used_at
	`, value).Scan(&c.Value, &c.ApplicationID, &c.AccountID, &c.RedirectURI, &c.Scope, &c.IssuedAt, &c.ExpiresAt, &c.UsedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("db: consume authorization code: %w", err)
	}

	existing, lookupErr := r.Lookup(ctx, value)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if existing.UsedAt != nil {
		return nil, authcode.ErrAlreadyUsed
	}
	return nil, authcode.ErrExpired
}

func generateCodeValue() (string, error) {
	b := make([]byte, codeEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
