package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
)

// InsertUsageEvent appends a usage event
func (db *DB) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	query := `
		INSERT INTO usage_events (
			id, ts, key_id, model_id, input_tokens, output_tokens, latency_ms,
			status_code, cost, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		event.ID,
		event.Timestamp,
		event.KeyID,
		event.ModelID,
		event.InputTokens,
		event.OutputTokens,
		event.LatencyMs,
		event.StatusCode,
		event.Cost,
		event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// UsageSummary aggregates one key's usage over a time range
type UsageSummary struct {
	Requests     int
	InputTokens  int
	OutputTokens int
	Cost         decimal.Decimal
}

// SummarizeUsage totals a key's usage events in [from, to)
func (db *DB) SummarizeUsage(ctx context.Context, keyID string, from, to time.Time) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_events
		WHERE key_id = $1 AND ts >= $2 AND ts < $3
	`

	var s UsageSummary
	err := db.conn.QueryRowContext(ctx, query, keyID, from, to).Scan(
		&s.Requests,
		&s.InputTokens,
		&s.OutputTokens,
		&s.Cost,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return &s, nil
}
