// Package cache provides the availability projection stores behind the
// booking orchestrator's Availability interface.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/carebook/booking-core/internal/booking"
)

// Redis stores availability projections as JSON values with a per-entry TTL.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Get(ctx context.Context, key booking.AvailabilityKey) ([]booking.SlotSummary, bool, error) {
	raw, err := c.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var summaries []booking.SlotSummary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		// A corrupt entry behaves like a miss; the store is authoritative.
		return nil, false, nil
	}
	return summaries, true, nil
}

func (c *Redis) Set(ctx context.Context, key booking.AvailabilityKey, summaries []booking.SlotSummary, ttl time.Duration) error {
	raw, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, providerID uuid.UUID) error {
	pattern := fmt.Sprintf("avail:%s:*", providerID.String())

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
