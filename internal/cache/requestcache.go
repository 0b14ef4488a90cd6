// Package cache provides a Redis-backed, cache-aside optimization over
// request aggregates. The repository remains the source of truth; this
// cache only spares repeated polling reads from re-querying it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/model"
)

// TTLAggregate bounds how long a stale aggregate snapshot may be served
// before the next poll forces a repository read.
const TTLAggregate = 10 * time.Second

const prefixAggregate = "reelforge:aggregate"

// RequestCache wraps a Redis client with the cache-aside GetOrSet pattern.
type RequestCache struct {
	client *redis.Client
	log    *logrus.Logger
}

// NewRequestCache creates a cache from a Redis URL of the form
// redis://<user>:<password>@<host>:<port>/<db>.
func NewRequestCache(redisURL string, log *logrus.Logger) (*RequestCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}

	return &RequestCache{client: client, log: log}, nil
}

func aggregateKey(requestID string) string {
	return fmt.Sprintf("%s:%s", prefixAggregate, requestID)
}

// Get retrieves the cached aggregates for requestID, if present.
func (c *RequestCache) Get(ctx context.Context, requestID string) (*model.Aggregates, bool) {
	data, err := c.client.Get(ctx, aggregateKey(requestID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("requestId", requestID).Warn("aggregate cache get error")
		}
		return nil, false
	}
	var agg model.Aggregates
	if err := json.Unmarshal(data, &agg); err != nil {
		c.log.WithError(err).WithField("requestId", requestID).Warn("aggregate cache unmarshal error")
		return nil, false
	}
	return &agg, true
}

// Set writes agg to the cache with TTLAggregate.
func (c *RequestCache) Set(ctx context.Context, requestID string, agg *model.Aggregates) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("cache: marshal aggregates: %w", err)
	}
	if err := c.client.Set(ctx, aggregateKey(requestID), data, TTLAggregate).Err(); err != nil {
		return fmt.Errorf("cache: set aggregate key %s: %w", requestID, err)
	}
	return nil
}

// Invalidate removes the cached aggregates for requestID, forcing the next
// GetOrSet to recompute from the repository.
func (c *RequestCache) Invalidate(ctx context.Context, requestID string) error {
	if err := c.client.Del(ctx, aggregateKey(requestID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate aggregate key %s: %w", requestID, err)
	}
	return nil
}

// GetOrSet returns the cached aggregates for requestID, loading and
// populating the cache on a miss.
func (c *RequestCache) GetOrSet(ctx context.Context, requestID string, loader func(context.Context) (*model.Aggregates, error)) (*model.Aggregates, error) {
	if agg, ok := c.Get(ctx, requestID); ok {
		c.log.WithField("requestId", requestID).Debug("aggregate cache hit")
		return agg, nil
	}

	c.log.WithField("requestId", requestID).Debug("aggregate cache miss, loading from repository")
	agg, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, requestID, agg); err != nil {
		c.log.WithError(err).WithField("requestId", requestID).Warn("failed to populate aggregate cache")
	}
	return agg, nil
}

// Ping checks the Redis connection.
func (c *RequestCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *RequestCache) Close() error {
	return c.client.Close()
}
