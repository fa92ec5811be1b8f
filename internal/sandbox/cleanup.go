package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Cleanup runs the registered functions in reverse order, exactly once.
type Cleanup struct {
	cleanup []func(ctx context.Context) error
	error   error
	once    sync.Once
	logger  *zap.Logger

	hasRun atomic.Bool
	mu     sync.Mutex
}

func NewCleanup(logger *zap.Logger) *Cleanup {
	return &Cleanup{logger: logger}
}

func (c *Cleanup) Add(f func(ctx context.Context) error) {
	if c.hasRun.Load() {
		c.logger.Error("Add called after cleanup has run, ignoring function")

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanup = append(c.cleanup, f)
}

func (c *Cleanup) Run(ctx context.Context) error {
	c.once.Do(func() {
		c.run(context.WithoutCancel(ctx))
	})

	return c.error
}

func (c *Cleanup) run(ctx context.Context) {
	c.hasRun.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for i := len(c.cleanup) - 1; i >= 0; i-- {
		err := c.cleanup[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.error = errors.Join(errs...)
}
