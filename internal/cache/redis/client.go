package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/pkg/logger"
)

// Client caches graph query results so repeated retrievals skip the
// graph round trip. Entries are invalidated whenever a user ingests or
// replaces a document.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func queryKey(userID, queryHash string) string {
	return fmt.Sprintf("graphquery:%s:%s", userID, queryHash)
}

// SetQueryResult caches a serialized graph query result.
func (c *Client) SetQueryResult(ctx context.Context, userID, queryHash string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal query result: %w", err)
	}

	if err := c.client.Set(ctx, queryKey(userID, queryHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set query cache: %w", err)
	}

	logger.Debug("query result cached", zap.String("user_id", userID), zap.String("query_hash", queryHash))
	return nil
}

// GetQueryResult loads a cached graph query result into result,
// reporting whether it was present.
func (c *Client) GetQueryResult(ctx context.Context, userID, queryHash string, result interface{}) (bool, error) {
	data, err := c.client.Get(ctx, queryKey(userID, queryHash)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get query cache: %w", err)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal query result: %w", err)
	}

	logger.Debug("query cache hit", zap.String("user_id", userID), zap.String("query_hash", queryHash))
	return true, nil
}

// InvalidateUser drops every cached query for one user. Called after
// ingestion changes their graph.
func (c *Client) InvalidateUser(ctx context.Context, userID string) error {
	pattern := fmt.Sprintf("graphquery:%s:*", userID)

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Debug("query cache invalidated", zap.String("user_id", userID))
	return nil
}
