package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value cache used for hot lookups. Values are encoded with the configured Codec.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte, dest interface{}) error
}

// JSONCodec implements Codec using JSON encoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JSONCodec) Decode(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

type Options struct {
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration

	MaxRetries int
	RetryDelay time.Duration

	// Namespace is a prefix for all cache keys
	Namespace string

	Codec Codec

	// CompressionThreshold is the minimum encoded size in bytes that gets gzipped.
	CompressionThreshold int
}

func DefaultOptions() *Options {
	return &Options{
		DefaultTTL:           5 * time.Minute,
		MaxRetries:           3,
		RetryDelay:           100 * time.Millisecond,
		Codec:                &JSONCodec{},
		CompressionThreshold: 1024,
	}
}

// KeyBuilder joins key parts with ":" under an optional namespace.
type KeyBuilder struct {
	namespace string
}

func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: namespace}
}

func (b *KeyBuilder) Build(parts ...string) string {
	if b.namespace != "" {
		parts = append([]string{b.namespace}, parts...)
	}
	return strings.Join(parts, ":")
}
