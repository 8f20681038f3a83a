package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator on a single Redis instance.
// The per-key fencing counter lives at a separate key with no TTL, so tokens
// stay monotonic across coordinator restarts as long as Redis persists.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func lockKey(slotID uuid.UUID) string {
	return fmt.Sprintf("lock:slot:%s", slotID.String())
}

func fenceKey(slotID uuid.UUID) string {
	return fmt.Sprintf("fence:slot:%s", slotID.String())
}

// acquireScript sets the lock and bumps the fencing counter in one atomic step.
// Returns -1 when the lock is already held.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
local fence = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return fence
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisCoordinator) Acquire(ctx context.Context, slotID uuid.UUID, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	res, err := acquireScript.Run(ctx, c.client,
		[]string{lockKey(slotID), fenceKey(slotID)},
		token, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}
	if res < 0 {
		return nil, ErrBusy
	}

	return &Lease{
		SlotID:       slotID,
		Token:        token,
		FencingToken: res,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

func (c *RedisCoordinator) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	res, err := renewScript.Run(ctx, c.client,
		[]string{lockKey(lease.SlotID)},
		lease.Token, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("renew slot lock: %w", err)
	}
	if res == 0 {
		return nil, ErrExpired
	}

	renewed := *lease
	renewed.ExpiresAt = time.Now().Add(ttl)
	return &renewed, nil
}

func (c *RedisCoordinator) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseScript.Run(ctx, c.client,
		[]string{lockKey(lease.SlotID)},
		lease.Token,
	).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	if res == 0 {
		return ErrExpired
	}
	return nil
}
