package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/models"
)

// ErrCacheMiss is returned when a key is absent or its envelope version
// does not match the current schema.
var ErrCacheMiss = errors.New("cache miss")

// cacheSchemaVersion prefixes every cached value. Bump it when a cached
// struct changes shape; stale envelopes then read as misses instead of
// unmarshal errors.
const cacheSchemaVersion = byte('1')

// RetryStream carries assessments whose synchronous persist failed. The
// retry worker drains it and replays the writes.
type RetryStream struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewRetryStream creates the deferred-persistence stream client.
func NewRetryStream(cfg configs.RedisConfig) (*RetryStream, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rs := &RetryStream{
		client:           client,
		streamName:       cfg.RetryStream,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.DeadLetter,
		maxRetries:       cfg.MaxRetries,
	}

	if err := rs.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().Str("stream", rs.streamName).Msg("Retry stream initialized")
	return rs, nil
}

func (r *RetryStream) createConsumerGroup(ctx context.Context) error {
	// MKSTREAM creates the stream if it doesn't exist
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// MaxRetries returns the configured replay attempt ceiling.
func (r *RetryStream) MaxRetries() int {
	return r.maxRetries
}

// Publish enqueues a failed persist for later replay.
func (r *RetryStream) Publish(ctx context.Context, event *models.RetryEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal retry event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish retry event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("transaction_id", event.Transaction.ID.String()).
		Msg("Assessment queued for deferred persist")

	return msgID, nil
}

// Consume reads retry events for this consumer, claiming abandoned pending
// messages first.
func (r *RetryStream) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pendingMessages, err := r.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}

	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No messages available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
				continue
			}

			messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
		}
	}

	return messages, nil
}

// claimPendingMessages claims messages that have been pending for too long
func (r *RetryStream) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	minIdleTime := 30 * time.Second

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= minIdleTime {
			messageIDs = append(messageIDs, p.ID)
		}
	}

	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()

	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		event, err := parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed message")
			continue
		}

		messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
	}

	return messages, nil
}

func parseMessage(msg redis.XMessage) (*models.RetryEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.RetryEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry event: %w", err)
	}

	return &event, nil
}

// Acknowledge acknowledges a message as processed
func (r *RetryStream) Acknowledge(ctx context.Context, messageID string) error {
	_, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}

	log.Debug().Str("message_id", messageID).Msg("Message acknowledged")
	return nil
}

// SendToDeadLetter parks a retry event that exhausted its attempts.
func (r *RetryStream) SendToDeadLetter(ctx context.Context, event *models.RetryEvent, cause error) error {
	eventJSON, _ := json.Marshal(event)

	_, dlqErr := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()

	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("transaction_id", event.Transaction.ID.String()).
		Err(cause).
		Msg("Retry event sent to dead letter queue")

	return nil
}

// PendingCount returns the number of unacknowledged messages in the group.
func (r *RetryStream) PendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, r.streamName, r.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the Redis client
func (r *RetryStream) Close() error {
	return r.client.Close()
}

// StreamMessage represents a message from the stream
type StreamMessage struct {
	ID    string
	Event *models.RetryEvent
}

// CacheClient provides the versioned-envelope cache used by the context
// engine and the idempotency ledger.
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient creates a new cache client (shares Redis connection)
func NewCacheClient(cfg configs.RedisConfig) (*CacheClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{client: client}, nil
}

// Set writes a value under the current schema version.
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, append([]byte{cacheSchemaVersion}, data...), expiration).Err()
}

// Get retrieves a value. Absent keys and envelopes written under a
// different schema version both surface as ErrCacheMiss.
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if len(data) == 0 || data[0] != cacheSchemaVersion {
		return ErrCacheMiss
	}
	return json.Unmarshal(data[1:], dest)
}

// Delete removes keys from the cache.
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Close closes the cache client
func (c *CacheClient) Close() error {
	return c.client.Close()
}
