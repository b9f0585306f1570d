package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRedisPrefix namespaces the latest-record keys and the pub/sub channel.
	DefaultRedisPrefix = "cartsync:broadcast"

	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
	latestTTL    = 24 * time.Hour
)

// NewRedisClient parses a Redis URL and returns a client that answered a ping.
func NewRedisClient(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broadcast.redis.parse_url: %w", err)
	}
	options.PoolSize = 10
	options.MinIdleConns = 2
	options.MaxIdleConns = 5
	options.DialTimeout = dialTimeout
	options.ReadTimeout = readTimeout
	options.WriteTimeout = writeTimeout

	client := redis.NewClient(options)
	if pingErr := Ping(ctx, client); pingErr != nil {
		_ = client.Close()
		return nil, pingErr
	}
	if logger != nil {
		logger.Info("redis client connected", zap.String("addr", options.Addr), zap.Int("pool_size", options.PoolSize))
	}
	return client, nil
}

// Ping verifies that the Redis client is healthy.
func Ping(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("broadcast.redis.ping: %w", err)
	}
	return nil
}

// RedisChannel shares records between processes. Each write stores the record
// under "<prefix>:<topic>" and publishes it on "<prefix>".
type RedisChannel struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisChannel wraps a connected client.
func NewRedisChannel(client *redis.Client, prefix string, logger *zap.Logger) *RedisChannel {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisChannel{client: client, prefix: prefix, logger: logger}
}

func (channel *RedisChannel) topicKey(topic string) string {
	return channel.prefix + ":" + topic
}

// Write stores and publishes record in one pipeline.
func (channel *RedisChannel) Write(ctx context.Context, record Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("broadcast.redis.encode: %w", err)
	}
	pipeline := channel.client.TxPipeline()
	pipeline.Set(ctx, channel.topicKey(record.Topic), encoded, latestTTL)
	pipeline.Publish(ctx, channel.prefix, encoded)
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return fmt.Errorf("broadcast.redis.write: %w", execErr)
	}
	return nil
}

// Listen subscribes to the pub/sub channel and delivers records on a
// background goroutine until stopped or ctx ends.
func (channel *RedisChannel) Listen(ctx context.Context, deliver func(Record)) (func(), error) {
	pubsub := channel.client.Subscribe(ctx, channel.prefix)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("broadcast.redis.subscribe: %w", err)
	}
	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	messages := pubsub.Channel()
	go func() {
		defer close(done)
		for {
			select {
			case <-listenCtx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var record Record
				if decodeErr := json.Unmarshal([]byte(message.Payload), &record); decodeErr != nil {
					channel.logger.Warn("undecodable broadcast record",
						zap.String("code", "broadcast.redis.decode"),
						zap.Error(decodeErr),
					)
					continue
				}
				deliver(record)
			}
		}
	}()
	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}

// Latest returns the last record written for topic.
func (channel *RedisChannel) Latest(ctx context.Context, topic string) (Record, bool, error) {
	raw, err := channel.client.Get(ctx, channel.topicKey(topic)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("broadcast.redis.latest: %w", err)
	}
	var record Record
	if decodeErr := json.Unmarshal(raw, &record); decodeErr != nil {
		return Record{}, false, fmt.Errorf("broadcast.redis.latest: %w", decodeErr)
	}
	return record, true, nil
}
