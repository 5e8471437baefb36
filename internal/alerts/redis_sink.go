package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends alerts to a capped Redis stream for downstream
// notifiers to consume.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: 10000}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	fields := map[string]any{
		"alert_id":   a.ID,
		"kind":       string(a.Kind),
		"severity":   a.Severity,
		"project_id": a.ProjectID,
		"event_id":   strconv.FormatInt(a.EventID, 10),
		"payload":    string(payload),
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}
