package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/acquire_lease.lua
var acquireLeaseScript string

//go:embed scripts/release_lease.lua
var releaseLeaseScript string

type Client struct {
	rdb           *redis.Client
	acquireScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireLeaseScript),
		releaseScript: redis.NewScript(releaseLeaseScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func leaseKey(date, timeSlot string, lockerNumber int) string {
	return fmt.Sprintf("slotlease:%s:%s:%d", date, timeSlot, lockerNumber)
}

// AcquireSlotLease takes a short lease on one (date, slot, locker)
// cell so the booking validation sequence runs serialized per cell.
// Re-acquisition by the same token refreshes the TTL, so crashed
// holders only block the cell until the lease expires.
// Returns true when the lease is held by the given token.
func (c *Client) AcquireSlotLease(ctx context.Context, date, timeSlot string, lockerNumber int, token string, ttl time.Duration) (bool, error) {
	result, err := c.acquireScript.Run(ctx, c.rdb,
		[]string{leaseKey(date, timeSlot, lockerNumber)},
		token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease script failed: %w", err)
	}

	acquired, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return acquired == 1, nil
}

// ReleaseSlotLease drops the lease if the token still holds it.
func (c *Client) ReleaseSlotLease(ctx context.Context, date, timeSlot string, lockerNumber int, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb,
		[]string{leaseKey(date, timeSlot, lockerNumber)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lease script failed: %w", err)
	}
	return nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// GetIdempotencyValue returns the value stored for an idempotency
// key, or "" when the key is unknown.
func (c *Client) GetIdempotencyValue(ctx context.Context, key string) (string, error) {
	value, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
