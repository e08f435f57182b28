package cache

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/tbcv/tbcv/pkg/logger"
)

// StartCleanup schedules the periodic expired-entry sweep on the configured
// interval. It is a no-op when the interval is zero or a scheduler is already
// running. The logger attached to ctx is carried into the scheduled runs.
func (c *Cache) StartCleanup(ctx context.Context) {
	if c.config.CleanupInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return
	}
	log := logger.FromContext(ctx)
	c.cron = cron.New()
	c.cron.Schedule(cron.Every(c.config.CleanupInterval), cron.FuncJob(func() {
		jobCtx := logger.ContextWithLogger(context.Background(), log)
		if _, err := c.CleanupNow(jobCtx); err != nil {
			log.Warn("scheduled cache cleanup failed", "error", err)
		}
	}))
	c.cron.Start()
	log.Debug("cache cleanup scheduled", "interval", c.config.CleanupInterval)
}

// Close stops the cleanup scheduler, waits for an in-flight sweep to finish
// and releases the in-process tier. The durable tier is left intact.
func (c *Cache) Close() {
	c.mu.Lock()
	scheduler := c.cron
	c.cron = nil
	c.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}
