// Package indexer implements the indexer (C8): a consumer-group-based materialiser that
// dispatches validated repo events to per-collection plugins writing relational rows.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamMessage is one event read back off a Redis stream consumer group.
type StreamMessage struct {
	ID       string
	Contents map[string]string
}

// RedisConsumer reads from a Redis stream via a named consumer group, grounded on
// rsky-indexer's consumer.rs: XGROUP CREATE .. MKSTREAM, XREADGROUP, XACK.
type RedisConsumer struct {
	client   *redis.Client
	Stream   string
	Group    string
	Consumer string
}

func NewRedisConsumer(client *redis.Client, stream, group, consumer string) *RedisConsumer {
	return &RedisConsumer{client: client, Stream: stream, Group: group, Consumer: consumer}
}

// EnsureGroup creates the consumer group starting from the beginning of the stream, tolerating
// BUSYGROUP if it already exists.
func (c *RedisConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.Stream, c.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("indexer: creating consumer group %s: %w", c.Group, err)
	}
	return nil
}

// ReadMessages blocks briefly (up to one second) waiting for new stream entries for this
// consumer group.
func (c *RedisConsumer) ReadMessages(ctx context.Context, count int64) ([]StreamMessage, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Group,
		Consumer: c.Consumer,
		Streams:  []string{c.Stream, ">"},
		Count:    count,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexer: reading stream %s: %w", c.Stream, err)
	}

	var out []StreamMessage
	for _, stream := range res {
		for _, entry := range stream.Messages {
			contents := make(map[string]string, len(entry.Values))
			for k, v := range entry.Values {
				contents[k] = fmt.Sprintf("%v", v)
			}
			out = append(out, StreamMessage{ID: entry.ID, Contents: contents})
		}
	}
	return out, nil
}

// Ack acknowledges (and removes) processed message ids.
func (c *RedisConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.Stream, c.Group, ids...).Err(); err != nil {
		return fmt.Errorf("indexer: acking stream %s: %w", c.Stream, err)
	}
	return c.client.XDel(ctx, c.Stream, ids...).Err()
}

// Publish writes one entry to the stream, used by the relay-side bridge that feeds validated
// firehose events in to this consumer group.
func Publish(ctx context.Context, client *redis.Client, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// PendingCount reports how many messages are outstanding (read but not acked) for this group.
func (c *RedisConsumer) PendingCount(ctx context.Context) (int64, error) {
	res, err := c.client.XPending(ctx, c.Stream, c.Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return res.Count, nil
}
