package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// spendTTL keeps a month's spend a little past its end
const spendTTL = 45 * 24 * time.Hour

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func spendKey(month, keyID string) string {
	return fmt.Sprintf("spend:%s:%s", month, keyID)
}

// SaveSpend stores the accumulated spend of a key for a billing month
func (c *Client) SaveSpend(ctx context.Context, month, keyID string, amount decimal.Decimal) error {
	return c.client.Set(ctx, spendKey(month, keyID), amount.String(), spendTTL).Err()
}

// LoadSpend returns every key's spend for a billing month
func (c *Client) LoadSpend(ctx context.Context, month string) (map[string]decimal.Decimal, error) {
	prefix := spendKey(month, "")
	out := make(map[string]decimal.Decimal)

	iter := c.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		val, err := c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		amount, err := decimal.NewFromString(val)
		if err != nil {
			return nil, fmt.Errorf("invalid spend value at %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, prefix)] = amount
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
