package session

import (
	"context"
	"sync"
	"time"

	"github.com/akaverin/sessionguard/internal/logger"
)

const defaultCleanupInterval = 5 * time.Minute

// Sweeper is what the cleaner drives on every tick
type Sweeper interface {
	Cleanup(ctx context.Context)
}

// Cleaner runs periodic store sweeps in the background
// Start is idempotent and Stop may be called any number of times
type Cleaner struct {
	interval time.Duration
	sweeper  Sweeper
	logger   logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewCleaner(interval time.Duration, sweeper Sweeper, log logger.Logger) *Cleaner {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Cleaner{
		interval: interval,
		sweeper:  sweeper,
		logger:   log,
	}
}

// Start launches the sweep loop unless it runs already
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.logger.Debug("Cleanup loop started already, ignoring")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})

	go c.run(ctx, c.stopped)
	c.logger.Debug("Cleanup loop started", "interval", c.interval)
}

// Stop cancels the loop and waits until it exits
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel, c.stopped = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-stopped
}

func (c *Cleaner) run(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Cleanup loop stopped by context")
			return

		case <-ticker.C:
			c.sweeper.Cleanup(ctx)
		}
	}
}
