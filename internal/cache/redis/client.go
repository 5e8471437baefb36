package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/logger"
)

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
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// Wrap builds a Client over an existing connection.
func Wrap(client *redis.Client) *Client {
	return &Client{client: client}
}

// Raw exposes the underlying connection for stream producers.
func (c *Client) Raw() *redis.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func predictionKey(projectID, hash string) string {
	return fmt.Sprintf("prediction:%s:%s", projectID, hash)
}

// SetPrediction caches a prediction result under the project's namespace.
func (c *Client) SetPrediction(ctx context.Context, projectID, hash string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	if err := c.client.Set(ctx, predictionKey(projectID, hash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set prediction cache: %w", err)
	}

	logger.Debug("Prediction cached", zap.String("project_id", projectID), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetPrediction(ctx context.Context, projectID, hash string, result interface{}) (bool, error) {
	data, err := c.client.Get(ctx, predictionKey(projectID, hash)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("prediction").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get prediction cache: %w", err)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal prediction: %w", err)
	}

	metrics.CacheHits.WithLabelValues("prediction").Inc()
	logger.Debug("Prediction cache hit", zap.String("project_id", projectID))
	return true, nil
}

// InvalidateProject drops every cached prediction for the project. Called
// whenever the project's event history changes.
func (c *Client) InvalidateProject(ctx context.Context, projectID string) error {
	iter := c.client.Scan(ctx, 0, predictionKey(projectID, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes a cross-process lock with SET NX PX. The returned release is
// safe to call more than once and never removes a lock taken by someone else
// after ours expired.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	lockKey := "lock:" + key

	ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.client, []string{lockKey}, token).Err(); err != nil {
			logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, true, nil
}
