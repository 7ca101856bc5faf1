package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/uidtrack"
)

// UIDTrackerRepo is the Postgres-backed UID tracker (§4.D), the durable
// counterpart to uidtrack.Tracker's in-memory table.
type UIDTrackerRepo struct {
	pool *pgxpool.Pool
}

// NewUIDTrackerRepo wraps pool for UID tracker persistence.
func NewUIDTrackerRepo(pool *pgxpool.Pool) *UIDTrackerRepo {
	return &UIDTrackerRepo{pool: pool}
}

// Load returns the stored entry, or a zero-value entry if the pair has
// never been observed.
func (r *UIDTrackerRepo) Load(ctx context.Context, accountID, folder string) (uidtrack.Entry, error) {
	var e uidtrack.Entry
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, folder, uidvalidity, last_seen_uid, updated_at
		FROM uid_tracker_entries WHERE account_id = $1 AND folder = $2
	`, accountID, folder).Scan(&e.AccountID, &e.Folder, &e.UIDValidity, &e.LastSeenUID, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uidtrack.Entry{AccountID: accountID, Folder: folder}, nil
		}
		return uidtrack.Entry{}, fmt.Errorf("db: load uid tracker entry: %w", err)
	}
	return e, nil
}

// Advance performs the same compare-and-set Load/Advance contract as
// uidtrack.Tracker, backed by an upsert: the WHERE clause applies the
// update only when the stored uidvalidity matches (otherwise no row is
// affected and ErrUIDValidityChanged is returned), and GREATEST keeps
// last_seen_uid from moving backwards.
func (r *UIDTrackerRepo) Advance(ctx context.Context, accountID, folder string, uidvalidity, newMaxUID uint32) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO uid_tracker_entries (account_id, folder, uidvalidity, last_seen_uid, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, folder) DO UPDATE SET
			uidvalidity   = EXCLUDED.uidvalidity,
			last_seen_uid = GREATEST(uid_tracker_entries.last_seen_uid, EXCLUDED.last_seen_uid),
			updated_at    = now()
		WHERE uid_tracker_entries.uidvalidity = EXCLUDED.uidvalidity
	`, accountID, folder, uidvalidity, newMaxUID)
	if err != nil {
		return fmt.Errorf("db: advance uid tracker entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uidtrack.ErrUIDValidityChanged
	}
	return nil
}

// Reset replaces the stored state for (accountID, folder), used when the
// listener observes a UIDVALIDITY change.
func (r *UIDTrackerRepo) Reset(ctx context.Context, accountID, folder string, newUIDValidity uint32) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO uid_tracker_entries (account_id, folder, uidvalidity, last_seen_uid, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (account_id, folder) DO UPDATE SET
			uidvalidity   = EXCLUDED.uidvalidity,
			last_seen_uid = 0,
			updated_at    = now()
	`, accountID, folder, newUIDValidity)
	if err != nil {
		return fmt.Errorf("db: reset uid tracker entry: %w", err)
	}
	return nil
}
