package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/models"
)

// WebhookLogRepo is the durable append-only webhook log (§4.E), satisfying
// events.Log.
type WebhookLogRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookLogRepo wraps pool for webhook log persistence.
func NewWebhookLogRepo(pool *pgxpool.Pool) *WebhookLogRepo {
	return &WebhookLogRepo{pool: pool}
}

// Append inserts entry and returns it with its assigned ID.
func (r *WebhookLogRepo) Append(ctx context.Context, entry models.WebhookLogEntry) (models.WebhookLogEntry, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_log_entries (account_id, folder, uid, subject, "from", seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`, entry.AccountID, entry.Folder, entry.UID, entry.Subject, entry.From, entry.Seen).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return models.WebhookLogEntry{}, fmt.Errorf("db: append webhook log entry: %w", err)
	}
	return entry, nil
}
