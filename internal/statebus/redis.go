package statebus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

const redisOpTimeout = 3 * time.Second

// RedisConfig holds Redis bus connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RedisBus implements domain.StateBus over a Redis instance. Useful when
// the enforcement agent runs in a separate container or sandbox that cannot
// share a filesystem with the coordinator. Uses the same per-field key
// layout as KVBus.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis state bus: %w", err)
	}

	return &RedisBus{client: client, logger: logger}, nil
}

// Publish writes the snapshot to Redis via the redisKV adapter.
func (b *RedisBus) Publish(replica domain.SharedReplica) error {
	return NewKVBus(&redisKV{client: b.client}, b.logger).Publish(replica)
}

// Snapshot reads the last published replica from Redis.
func (b *RedisBus) Snapshot() (domain.SharedReplica, error) {
	return NewKVBus(&redisKV{client: b.client}, b.logger).Snapshot()
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// redisKV adapts a Redis client to domain.KeyValueStore.
type redisKV struct {
	client *redis.Client
}

func (r *redisKV) Get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrKeyNotFound
	}
	return data, err
}

func (r *redisKV) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	return r.client.Set(ctx, key, value, 0).Err()
}

var _ domain.StateBus = (*RedisBus)(nil)
var _ domain.KeyValueStore = (*redisKV)(nil)
