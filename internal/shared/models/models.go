package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// APIKey represents a gateway API key. Only the hash of the secret is kept.
type APIKey struct {
	ID               string
	KeyHash          string
	KeyPrefix        string
	OwnerID          *string
	Name             string
	IsActive         bool
	AllowedModels    ModelSet
	ConcurrencyLimit int
	RateLimitRPM     int
	MonthlyBudget    decimal.NullDecimal // invalid = unlimited
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

// IssuedKey is returned once, when a key is created. Secret is the only copy
// of the plaintext bearer credential.
type IssuedKey struct {
	Key    *APIKey
	Secret string
}

// Model maps a client-facing alias to a backend model tag
type Model struct {
	ID               string
	Name             string
	Alias            string
	BackendTag       string
	Enabled          bool
	InputPricePer1K  decimal.NullDecimal
	OutputPricePer1K decimal.NullDecimal
	CreatedAt        time.Time
}

// HasPricing reports whether a cost can be computed for this model
func (m *Model) HasPricing() bool {
	return m.InputPricePer1K.Valid && m.OutputPricePer1K.Valid
}

var thousand = decimal.NewFromInt(1000)

// Cost computes the cost of a call from its token counts
func (m *Model) Cost(inputTokens, outputTokens int) decimal.NullDecimal {
	if !m.HasPricing() {
		return decimal.NullDecimal{}
	}

	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(m.InputPricePer1K.Decimal)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(m.OutputPricePer1K.Decimal)

	return decimal.NewNullDecimal(in.Add(out))
}

// UsageEvent is an immutable record of one admitted request
type UsageEvent struct {
	ID           string
	Timestamp    time.Time
	KeyID        string
	ModelID      string
	InputTokens  int
	OutputTokens int
	LatencyMs    int
	StatusCode   int
	Cost         decimal.NullDecimal
	ErrorMessage *string
}
