package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/models"
)

// ConnectionHealthRepo persists ConnectionHealthRecord rows (§3), the
// durable counterpart to the listener task's in-process failure counter.
type ConnectionHealthRepo struct {
	pool *pgxpool.Pool
}

// NewConnectionHealthRepo wraps pool for connection health persistence.
func NewConnectionHealthRepo(pool *pgxpool.Pool) *ConnectionHealthRepo {
	return &ConnectionHealthRepo{pool: pool}
}

// RecordSuccess resets consecutive_failures to zero and stamps
// last_success_at.
func (r *ConnectionHealthRepo) RecordSuccess(ctx context.Context, accountID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connection_health_records (account_id, last_success_at, consecutive_failures, updated_at)
		VALUES ($1, now(), 0, now())
		ON CONFLICT (account_id) DO UPDATE SET
			last_success_at      = now(),
			consecutive_failures = 0,
			updated_at           = now()
	`, accountID)
	if err != nil {
		return fmt.Errorf("db: record connection success for %s: %w", accountID, err)
	}
	return nil
}

// RecordFailure increments consecutive_failures and stamps
// last_failure_at, returning the new failure count.
func (r *ConnectionHealthRepo) RecordFailure(ctx context.Context, accountID string) (int, error) {
	var failures int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO connection_health_records (account_id, last_failure_at, consecutive_failures, updated_at)
		VALUES ($1, now(), 1, now())
		ON CONFLICT (account_id) DO UPDATE SET
			last_failure_at      = now(),
			consecutive_failures = connection_health_records.consecutive_failures + 1,
			updated_at           = now()
		RETURNING consecutive_failures
	`, accountID).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("db: record connection failure for %s: %w", accountID, err)
	}
	return failures, nil
}

// Get returns the current health record for accountID.
func (r *ConnectionHealthRepo) Get(ctx context.Context, accountID string) (models.ConnectionHealthRecord, error) {
	var rec models.ConnectionHealthRecord
	rec.AccountID = accountID
	err := r.pool.QueryRow(ctx, `
		SELECT last_success_at, last_failure_at, consecutive_failures, updated_at
		FROM connection_health_records WHERE account_id = $1
	`, accountID).Scan(&rec.LastSuccessAt, &rec.LastFailureAt, &rec.ConsecutiveFailures, &rec.UpdatedAt)
	if err != nil {
		return models.ConnectionHealthRecord{}, fmt.Errorf("db: get connection health for %s: %w", accountID, err)
	}
	return rec, nil
}
