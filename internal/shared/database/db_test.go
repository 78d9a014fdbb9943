package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestDB returns a database connected to the test database.
// If DATABASE_URL is not set, the test is skipped.
func getTestDB(t *testing.T) *DB {
	t.Helper()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := New(connString)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, db.EnsureSchema(ctx))

	t.Cleanup(func() { db.Close() })
	return db
}

func createTestModel(t *testing.T, db *DB) *models.Model {
	t.Helper()
	suffix := uuid.NewString()[:8]
	m := &models.Model{
		Name:             "Test " + suffix,
		Alias:            "test-" + suffix,
		BackendTag:       "llama3:" + suffix,
		Enabled:          true,
		InputPricePer1K:  decimal.NewNullDecimal(decimal.RequireFromString("0.1")),
		OutputPricePer1K: decimal.NewNullDecimal(decimal.RequireFromString("0.2")),
	}
	require.NoError(t, db.CreateModel(context.Background(), m))
	t.Cleanup(func() {
		db.conn.Exec(`DELETE FROM usage_events WHERE model_id = $1`, m.ID)
		db.conn.Exec(`DELETE FROM models WHERE id = $1`, m.ID)
	})
	return m
}

func createTestKey(t *testing.T, db *DB, allowed models.ModelSet) *models.IssuedKey {
	t.Helper()
	issued, err := keys.Issue(keys.Spec{
		Name:             "test",
		AllowedModels:    allowed,
		ConcurrencyLimit: 3,
		RateLimitRPM:     30,
		MonthlyBudget:    decimal.NewNullDecimal(decimal.RequireFromString("12.5")),
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.CreateAPIKey(context.Background(), issued.Key))
	t.Cleanup(func() {
		db.conn.Exec(`DELETE FROM usage_events WHERE key_id = $1`, issued.Key.ID)
		db.conn.Exec(`DELETE FROM api_keys WHERE id = $1`, issued.Key.ID)
	})
	return issued
}

func TestDB_APIKeyLifecycle(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()

	issued := createTestKey(t, db, models.NewModelSet("a", "b"))

	got, err := db.LookupBySecret(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, issued.Key.ID, got.ID)
	assert.True(t, got.IsActive)
	assert.False(t, got.AllowedModels.IsAll())
	assert.Equal(t, []string{"a", "b"}, got.AllowedModels.Aliases())
	assert.Equal(t, 3, got.ConcurrencyLimit)
	assert.True(t, got.MonthlyBudget.Valid)
	assert.True(t, decimal.RequireFromString("12.5").Equal(got.MonthlyBudget.Decimal))
	assert.Nil(t, got.LastUsedAt)

	_, err = db.LookupBySecret(ctx, issued.Secret+"x")
	assert.True(t, errors.Is(err, ErrNotFound))

	later := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, db.TouchLastUsed(ctx, got.ID, later))
	require.NoError(t, db.TouchLastUsed(ctx, got.ID, later.Add(-time.Hour)))

	got, err = db.GetAPIKey(ctx, got.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, later.Equal(*got.LastUsedAt), "last_used_at moved backwards: %v", got.LastUsedAt)

	require.NoError(t, db.SetAPIKeyActive(ctx, got.ID, false))
	got, err = db.LookupBySecret(ctx, issued.Secret)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.True(t, errors.Is(db.SetAPIKeyActive(ctx, uuid.NewString(), false), ErrNotFound))
}

func TestDB_WildcardKey(t *testing.T) {
	db := getTestDB(t)
	issued := createTestKey(t, db, models.AllModels())

	got, err := db.LookupBySecret(context.Background(), issued.Secret)
	require.NoError(t, err)
	assert.True(t, got.AllowedModels.IsAll())
}

func TestDB_ModelsAndUsage(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()

	m := createTestModel(t, db)
	issued := createTestKey(t, db, models.AllModels())

	resolved, err := db.ResolveAlias(ctx, m.Alias)
	require.NoError(t, err)
	assert.Equal(t, m.BackendTag, resolved.BackendTag)
	assert.True(t, resolved.HasPricing())

	_, err = db.ResolveAlias(ctx, "missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))

	list, err := db.ListModels(ctx, 0, 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		require.NoError(t, db.InsertUsageEvent(ctx, &models.UsageEvent{
			ID:           uuid.NewString(),
			Timestamp:    now,
			KeyID:        issued.Key.ID,
			ModelID:      m.ID,
			InputTokens:  10,
			OutputTokens: 5,
			LatencyMs:    120,
			StatusCode:   200,
			Cost:         decimal.NewNullDecimal(decimal.RequireFromString("0.002")),
		}))
	}

	sum, err := db.SummarizeUsage(ctx, issued.Key.ID, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Requests)
	assert.Equal(t, 20, sum.InputTokens)
	assert.True(t, decimal.RequireFromString("0.004").Equal(sum.Cost))
}
