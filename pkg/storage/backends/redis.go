package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/offline/pkg/storage"
)

// RedisBackend stores payloads as Redis string values. It suits audio-tier
// lessons and shared caches; Redis caps a single value at 512 MiB.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis backend; call Init before use.
func NewRedisBackend() *RedisBackend {
	return &RedisBackend{}
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

// Init reads "addr" (default localhost:6379), "password", "db", "prefix" and
// "dialTimeout" (seconds), then pings the server.
func (r *RedisBackend) Init(config map[string]interface{}) error {
	addr, _ := config["addr"].(string)
	if addr == "" {
		addr = "localhost:6379"
	}

	password, _ := config["password"].(string)

	dbNum := 0
	switch db := config["db"].(type) {
	case float64:
		dbNum = int(db)
	case int:
		dbNum = db
	}

	dialTimeout := 5 * time.Second
	if secs, ok := config["dialTimeout"].(float64); ok && secs > 0 {
		dialTimeout = time.Duration(secs * float64(time.Second))
	}

	if prefix, ok := config["prefix"].(string); ok {
		r.prefix = strings.TrimSuffix(prefix, ":")
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          dbNum,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return nil
}

func (r *RedisBackend) ready() error {
	if r.client == nil {
		return storage.ErrBackendNotReady
	}
	return nil
}

// Save stores the payload at key.
func (r *RedisBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	fullKey := r.buildKey(key)
	if err := r.client.Set(ctx, fullKey, buf, 0).Err(); err != nil {
		return fmt.Errorf("failed to save data to Redis key %s: %w", fullKey, err)
	}

	return nil
}

// Load reads the payload at key.
func (r *RedisBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	fullKey := r.buildKey(key)
	buf, err := r.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get data from Redis key %s: %w", fullKey, err)
	}

	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Delete removes key; DEL reports how many keys went away.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.ready(); err != nil {
		return err
	}

	fullKey := r.buildKey(key)
	n, err := r.client.Del(ctx, fullKey).Result()
	if err != nil {
		return fmt.Errorf("failed to delete data from Redis key %s: %w", fullKey, err)
	}
	if n == 0 {
		return storage.ErrKeyNotFound
	}

	return nil
}

// Exists reports whether key is set.
func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}

	fullKey := r.buildKey(key)
	n, err := r.client.Exists(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence in Redis key %s: %w", fullKey, err)
	}

	return n > 0, nil
}

// List scans for keys with prefix.
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	pattern := r.buildKey(prefix) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, r.stripPrefix(iter.Val()))
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan Redis keys with pattern %s: %w", pattern, err)
	}

	return keys, nil
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisBackend) buildKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *RedisBackend) stripPrefix(redisKey string) string {
	if r.prefix == "" {
		return redisKey
	}
	return strings.TrimPrefix(redisKey, r.prefix+":")
}
