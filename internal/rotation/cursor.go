package rotation

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cursor yields successive round-robin positions per campaign
type Cursor interface {
	Next(ctx context.Context, campaignID string) (uint64, error)
}

// MemoryCursor keeps positions in process memory
type MemoryCursor struct {
	mu  sync.Mutex
	pos map[string]uint64
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{pos: make(map[string]uint64)}
}

// Next returns the current position and advances it
func (c *MemoryCursor) Next(ctx context.Context, campaignID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pos[campaignID]
	c.pos[campaignID] = p + 1
	return p, nil
}

const redisKeyPrefix = "brazen:rotation:"

// RedisCursor persists positions in Redis so every executor advances the same pointer
type RedisCursor struct {
	client *redis.Client
}

func NewRedisCursor(client *redis.Client) *RedisCursor {
	return &RedisCursor{client: client}
}

// NewRedisCursorFromURL connects to Redis using a redis:// URL
func NewRedisCursorFromURL(url string) (*RedisCursor, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisCursor(redis.NewClient(opts)), nil
}

// Next atomically increments the campaign's pointer
func (c *RedisCursor) Next(ctx context.Context, campaignID string) (uint64, error) {
	n, err := c.client.Incr(ctx, redisKeyPrefix+campaignID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance rotation cursor: %w", err)
	}
	return uint64(n - 1), nil
}

// Ping checks connectivity
func (c *RedisCursor) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *RedisCursor) Close() error {
	return c.client.Close()
}
