package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nolas/bridge/internal/models"
)

// ApplicationRepo persists Application rows (§3 Application).
type ApplicationRepo struct {
	pool *pgxpool.Pool
}

// NewApplicationRepo wraps pool for application persistence.
func NewApplicationRepo(pool *pgxpool.Pool) *ApplicationRepo {
	return &ApplicationRepo{pool: pool}
}

// Create registers a new application with a generated ID.
func (r *ApplicationRepo) Create(ctx context.Context, name string) (models.Application, error) {
	var app models.Application
	app.ID = uuid.New().String()

	err := r.pool.QueryRow(ctx, `
		INSERT INTO applications (id, name)
		VALUES ($1, $2)
		RETURNING id, name, created_at, updated_at
	`, app.ID, name).Scan(&app.ID, &app.Name, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return models.Application{}, fmt.Errorf("db: create application: %w", err)
	}
	return app, nil
}

// GetByID looks up an application by ID.
func (r *ApplicationRepo) GetByID(ctx context.Context, id string) (models.Application, error) {
	var app models.Application
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, created_at, updated_at FROM applications WHERE id = $1
	`, id).Scan(&app.ID, &app.Name, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return models.Application{}, fmt.Errorf("db: get application %s: %w", id, err)
	}
	return app, nil
}
