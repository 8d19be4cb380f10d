package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

// Cleaner runs Manager.Purge on a cron schedule with a seconds field, e.g. "0 0 * * * *".
type Cleaner struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	timeout  time.Duration
	logger   logger.Logger
}

func NewCleaner(manager *Manager, schedule string, log logger.Logger) *Cleaner {
	return &Cleaner{
		manager:  manager,
		schedule: schedule,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		timeout:  time.Minute,
		logger:   log,
	}
}

func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, c.RunOnce); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}
	c.cron.Start()
	c.logger.Info("Checkpoint cleaner started", "schedule", c.schedule)
	return nil
}

// Stop waits for a running purge to finish or ctx to end.
func (c *Cleaner) Stop(ctx context.Context) {
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		c.logger.Warn("Checkpoint cleaner stop timeout")
	}
}

func (c *Cleaner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	purged, err := c.manager.Purge(ctx)
	if err != nil {
		c.logger.Error("Checkpoint cleanup failed", "error", err)
		return
	}
	c.logger.Info("Checkpoint cleanup finished", "purged", purged)
}
