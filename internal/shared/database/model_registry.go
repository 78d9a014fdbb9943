package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
)

const modelColumns = `id, name, alias, backend_tag, enabled, input_price_per_1k, output_price_per_1k, created_at`

func scanModel(row rowScanner) (*models.Model, error) {
	var m models.Model
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Alias,
		&m.BackendTag,
		&m.Enabled,
		&m.InputPricePer1K,
		&m.OutputPricePer1K,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ResolveAlias returns the model registered under alias, enabled or not
func (db *DB) ResolveAlias(ctx context.Context, alias string) (*models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE alias = $1`

	m, err := scanModel(db.conn.QueryRowContext(ctx, query, alias))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return m, nil
}

// ListModels returns registered models ordered by alias
func (db *DB) ListModels(ctx context.Context, offset, limit int) ([]models.Model, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + modelColumns + ` FROM models ORDER BY alias OFFSET $1 LIMIT $2`

	rows, err := db.conn.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		out = append(out, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}

	return out, nil
}

// CreateModel registers a model. m.ID and m.CreatedAt are filled in.
func (db *DB) CreateModel(ctx context.Context, m *models.Model) error {
	query := `
		INSERT INTO models (name, alias, backend_tag, enabled, input_price_per_1k, output_price_per_1k)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := db.conn.QueryRowContext(ctx, query,
		m.Name,
		m.Alias,
		m.BackendTag,
		m.Enabled,
		m.InputPricePer1K,
		m.OutputPricePer1K,
	).Scan(&m.ID, &m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("model alias %q: %w", m.Alias, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert model: %w", err)
	}

	return nil
}
