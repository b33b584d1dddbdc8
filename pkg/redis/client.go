// Package redis provides a thin wrapper around go-redis/v9 that stores the
// ingestion checkpoint: the latest indexed timestamp per index and the set of
// dump sources already loaded into it.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/config"
	"github.com/redis/go-redis/v9"
)

// advanceScript stores ARGV[1] only when it is greater than the current value.
var advanceScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// Client wraps a go-redis client.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (c *Client) watermarkKey(index string) string {
	return fmt.Sprintf("%s:%s:watermark", c.prefix, index)
}

func (c *Client) sourcesKey(index string) string {
	return fmt.Sprintf("%s:%s:sources", c.prefix, index)
}

// AdvanceWatermark records t as the latest indexed timestamp for index unless
// a later one is already stored. It reports whether the stored value changed.
func (c *Client) AdvanceWatermark(ctx context.Context, index string, t time.Time) (bool, error) {
	if t.IsZero() {
		return false, nil
	}
	n, err := advanceScript.Run(ctx, c.rdb, []string{c.watermarkKey(index)}, t.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("advancing watermark for %s: %w", index, err)
	}
	return n == 1, nil
}

// Watermark returns the stored timestamp for index. The boolean is false when
// nothing has been recorded yet.
func (c *Client) Watermark(ctx context.Context, index string) (time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, c.watermarkKey(index)).Result()
	if IsNilError(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading watermark for %s: %w", index, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// MarkSource records that the named dump source was fully loaded into index.
func (c *Client) MarkSource(ctx context.Context, index, source string, records int64) error {
	if err := c.rdb.HSet(ctx, c.sourcesKey(index), source, records).Err(); err != nil {
		return fmt.Errorf("marking source %s: %w", source, err)
	}
	return nil
}

// ResetIndex drops every checkpoint kept for index. Used when the index is
// recreated from scratch.
func (c *Client) ResetIndex(ctx context.Context, index string) error {
	return c.rdb.Del(ctx, c.watermarkKey(index), c.sourcesKey(index)).Err()
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return err == redis.Nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
