package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/models"
)

// AccountRepo persists Account rows (§3 Account), including the upsert the
// Authorization Controller performs on every trial login (§4.G).
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo wraps pool for account persistence.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Upsert inserts or updates the account for (applicationID, email),
// following vdavid-vmail's INSERT ... ON CONFLICT ... RETURNING idiom. A
// pre-existing external_id (grant id) is preserved across re-authorization.
func (r *AccountRepo) Upsert(ctx context.Context, account models.Account) (models.Account, error) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.ExternalID == "" {
		account.ExternalID = uuid.New().String()
	}

	var out models.Account
	err := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, external_id, application_id, email, credential_blob,
			imap_host, imap_port, smtp_host, smtp_port, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (application_id, email) DO UPDATE SET
			credential_blob = EXCLUDED.credential_blob,
			imap_host       = EXCLUDED.imap_host,
			imap_port       = EXCLUDED.imap_port,
			smtp_host       = EXCLUDED.smtp_host,
			smtp_port       = EXCLUDED.smtp_port,
			status          = EXCLUDED.status,
			updated_at      = now()
		RETURNING id, external_id, application_id, email, credential_blob,
			imap_host, imap_port, smtp_host, smtp_port, status, created_at, updated_at
	`,
		account.ID, account.ExternalID, account.ApplicationID, account.Email, account.CredentialBlob,
		account.Provider.IMAPHost, account.Provider.IMAPPort, account.Provider.SMTPHost, account.Provider.SMTPPort,
		account.Status,
	).Scan(
		&out.ID, &out.ExternalID, &out.ApplicationID, &out.Email, &out.CredentialBlob,
		&out.Provider.IMAPHost, &out.Provider.IMAPPort, &out.Provider.SMTPHost, &out.Provider.SMTPPort,
		&out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("db: upsert account %s: %w", account.Email, err)
	}
	return out, nil
}

// GetByExternalID looks up an account by its opaque grant id.
func (r *AccountRepo) GetByExternalID(ctx context.Context, externalID string) (models.Account, error) {
	return r.scanOne(ctx, `
		SELECT id, external_id, application_id, email, credential_blob,
			imap_host, imap_port, smtp_host, smtp_port, status, created_at, updated_at
		FROM accounts WHERE external_id = $1
	`, externalID)
}

// GetByID looks up an account by its internal ID.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (models.Account, error) {
	return r.scanOne(ctx, `
		SELECT id, external_id, application_id, email, credential_blob,
			imap_host, imap_port, smtp_host, smtp_port, status, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
}

// ListActive returns every account with status = 'active', for the
// supervisor to start listener tasks against at boot.
func (r *AccountRepo) ListActive(ctx context.Context) ([]models.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_id, application_id, email, credential_blob,
			imap_host, imap_port, smtp_host, smtp_port, status, created_at, updated_at
		FROM accounts WHERE status = $1
	`, models.AccountActive)
	if err != nil {
		return nil, fmt.Errorf("db: list active accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(
			&a.ID, &a.ExternalID, &a.ApplicationID, &a.Email, &a.CredentialBlob,
			&a.Provider.IMAPHost, &a.Provider.IMAPPort, &a.Provider.SMTPHost, &a.Provider.SMTPPort,
			&a.Status, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("db: scan active account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkFailed sets an account's status to "failed". It satisfies
// listener.AccountStatusUpdater.
func (r *AccountRepo) MarkFailed(ctx context.Context, accountID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2
	`, models.AccountFailed, accountID)
	if err != nil {
		return fmt.Errorf("db: mark account %s failed: %w", accountID, err)
	}
	return nil
}

// MarkActive sets an account's status to "active", performed by the token
// exchange (§4.H) on a successful code consume.
func (r *AccountRepo) MarkActive(ctx context.Context, accountID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2
	`, models.AccountActive, accountID)
	if err != nil {
		return fmt.Errorf("db: mark account %s active: %w", accountID, err)
	}
	return nil
}

func (r *AccountRepo) scanOne(ctx context.Context, query string, args ...interface{}) (models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&a.ID, &a.ExternalID, &a.ApplicationID, &a.Email, &a.CredentialBlob,
		&a.Provider.IMAPHost, &a.Provider.IMAPPort, &a.Provider.SMTPHost, &a.Provider.SMTPPort,
		&a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Account{}, fmt.Errorf("db: account not found: %w", err)
		}
		return models.Account{}, fmt.Errorf("db: get account: %w", err)
	}
	return a, nil
}
