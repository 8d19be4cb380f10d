package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
)

const (
	flagRaw  byte = 0
	flagGzip byte = 1
)

// RedisCache implements Cache interface using Redis
type RedisCache struct {
	client  *redis.Client
	options *Options
	codec   Codec
	name    string
}

// NewRedisCache creates a cache over client. name labels the hit/miss metrics.
func NewRedisCache(client *redis.Client, name string, opts *Options) *RedisCache {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Codec == nil {
		opts.Codec = &JSONCodec{}
	}
	return &RedisCache{
		client:  client,
		options: opts,
		codec:   opts.Codec,
		name:    name,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheMisses.WithLabelValues(c.name).Inc()
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get error: %w", err)
	}

	data, err = c.decompress(data)
	if err != nil {
		return fmt.Errorf("decompress error: %w", err)
	}
	if err := c.codec.Decode(data, dest); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	data = c.compress(data)

	if ttl == 0 {
		ttl = c.options.DefaultTTL
	}

	key = c.buildKey(key)
	err = c.retryOperation(ctx, func() error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) buildKey(key string) string {
	if c.options.Namespace != "" {
		return c.options.Namespace + ":" + key
	}
	return key
}

func (c *RedisCache) compress(data []byte) []byte {
	if c.options.CompressionThreshold <= 0 || len(data) < c.options.CompressionThreshold {
		return append([]byte{flagRaw}, data...)
	}

	var buf bytes.Buffer
	buf.WriteByte(flagGzip)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return append([]byte{flagRaw}, data...)
	}
	if err := gz.Close(); err != nil {
		return append([]byte{flagRaw}, data...)
	}
	return buf.Bytes()
}

func (c *RedisCache) decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch data[0] {
	case flagRaw:
		return data[1:], nil
	case flagGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	default:
		return data, nil
	}
}

func (c *RedisCache) retryOperation(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= c.options.MaxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < c.options.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.options.RetryDelay):
			}
		}
	}
	return err
}
