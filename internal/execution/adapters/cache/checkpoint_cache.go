package cache

import (
	"context"
	"errors"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/cache"
)

// CheckpointCache stores the latest checkpoint per execution under checkpoint:<id>:latest.
type CheckpointCache struct {
	cache cache.Cache
	keys  *cache.KeyBuilder
	ttl   time.Duration
}

func NewCheckpointCache(c cache.Cache, ttl time.Duration) *CheckpointCache {
	return &CheckpointCache{cache: c, keys: cache.NewKeyBuilder("checkpoint"), ttl: ttl}
}

func (c *CheckpointCache) SetLatest(ctx context.Context, cp *workflow.Checkpoint) error {
	ttl := c.ttl
	if !cp.ExpiresAt.IsZero() {
		if remaining := time.Until(cp.ExpiresAt); remaining > 0 && (ttl == 0 || remaining < ttl) {
			ttl = remaining
		}
	}
	return c.cache.Set(ctx, c.key(cp.ExecutionID), cp, ttl)
}

// GetLatest returns workflow.ErrCheckpointNotFound on a miss.
func (c *CheckpointCache) GetLatest(ctx context.Context, executionID string) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := c.cache.Get(ctx, c.key(executionID), &cp); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, workflow.ErrCheckpointNotFound
		}
		return nil, err
	}
	return &cp, nil
}

func (c *CheckpointCache) Invalidate(ctx context.Context, executionID string) error {
	return c.cache.Delete(ctx, c.key(executionID))
}

func (c *CheckpointCache) key(executionID string) string {
	return c.keys.Build(executionID, "latest")
}
