package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
)

const apiKeyColumns = `id, key_hash, key_prefix, owner_id, name, is_active, all_models, allowed_models,
	concurrency_limit, rate_limit_rpm, monthly_budget, created_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		apiKey    models.APIKey
		ownerID   sql.NullString
		allModels bool
		allowed   pq.StringArray
	)

	err := row.Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&ownerID,
		&apiKey.Name,
		&apiKey.IsActive,
		&allModels,
		&allowed,
		&apiKey.ConcurrencyLimit,
		&apiKey.RateLimitRPM,
		&apiKey.MonthlyBudget,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	if ownerID.Valid {
		apiKey.OwnerID = &ownerID.String
	}
	if allModels {
		apiKey.AllowedModels = models.AllModels()
	} else {
		apiKey.AllowedModels = models.NewModelSet(allowed...)
	}

	return &apiKey, nil
}

// LookupBySecret finds the key whose hash matches secret. The stored digest
// is compared in constant time. Inactive keys are returned too; callers
// decide what inactive means.
func (db *DB) LookupBySecret(ctx context.Context, secret string) (*models.APIKey, error) {
	keyHash := keys.Hash(secret)

	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`

	apiKey, err := scanAPIKey(db.conn.QueryRowContext(ctx, query, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if !keys.Matches(apiKey.KeyHash, secret) {
		return nil, ErrNotFound
	}

	return apiKey, nil
}

// GetAPIKey retrieves a key by ID
func (db *DB) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	apiKey, err := scanAPIKey(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return apiKey, nil
}

// TouchLastUsed moves last_used_at forward to t. Older timestamps are ignored.
func (db *DB) TouchLastUsed(ctx context.Context, keyID string, t time.Time) error {
	query := `
		UPDATE api_keys SET last_used_at = $2
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)
	`
	if _, err := db.conn.ExecContext(ctx, query, keyID, t.UTC()); err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a newly issued key
func (db *DB) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, key_hash, key_prefix, owner_id, name, is_active, all_models, allowed_models,
			concurrency_limit, rate_limit_rpm, monthly_budget, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.conn.ExecContext(ctx, query,
		apiKey.ID,
		apiKey.KeyHash,
		apiKey.KeyPrefix,
		apiKey.OwnerID,
		apiKey.Name,
		apiKey.IsActive,
		apiKey.AllowedModels.IsAll(),
		pq.StringArray(apiKey.AllowedModels.Aliases()),
		apiKey.ConcurrencyLimit,
		apiKey.RateLimitRPM,
		apiKey.MonthlyBudget,
		apiKey.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}

	return nil
}

// SetAPIKeyActive enables or disables a key
func (db *DB) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE api_keys SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
