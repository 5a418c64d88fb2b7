package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
)

// DefaultBlockTTL is how long a block timestamp stays cached.
const DefaultBlockTTL = 24 * time.Hour

// Client wraps Redis operations for the block timestamp cache.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	BlockTTL time.Duration `yaml:"block_ttl"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.BlockTTL), nil
}

func newClient(rdb *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultBlockTTL
	}
	return &Client{rdb: rdb, ttl: ttl}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func blockTimeKey(chain domain.ChainName, hash common.Hash) string {
	return fmt.Sprintf("block-time:%s:%s", chain, hash.Hex())
}

// GetBlockTime returns the cached timestamp of the block with hash.
func (c *Client) GetBlockTime(ctx context.Context, chain domain.ChainName, hash common.Hash) (time.Time, bool, error) {
	val, err := c.rdb.Get(ctx, blockTimeKey(chain, hash)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get failed: %w", err)
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid cached block time %q: %w", val, err)
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// SetBlockTime caches the timestamp of the block with hash. Block hashes are
// immutable; entries expire after the configured TTL.
func (c *Client) SetBlockTime(ctx context.Context, chain domain.ChainName, hash common.Hash, t time.Time) error {
	key := blockTimeKey(chain, hash)
	if err := c.rdb.Set(ctx, key, strconv.FormatInt(t.Unix(), 10), c.ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}
