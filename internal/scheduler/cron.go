// Package scheduler adapts robfig/cron to the repeatable-job port, so the
// repeated-job substrate stays swappable.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron registers cron-style repeatable jobs by name.
type Cron struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *zap.Logger
	baseCtx context.Context
}

// New builds a Cron scheduler. Handlers run with baseCtx, which should be
// the process lifetime context.
func New(baseCtx context.Context, logger *zap.Logger) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cron{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// RegisterRepeating schedules fn under name. Duplicate names error; use
// ReplaceRepeating for idempotent re-initialization.
func (c *Cron) RegisterRepeating(name, cronExpr string, fn func(context.Context)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("repeatable job %q already registered", name)
	}
	return c.add(name, cronExpr, fn)
}

// ReplaceRepeating removes any prior registration under name before adding,
// so re-running startup after a redeploy never double-registers a trigger.
func (c *Cron) ReplaceRepeating(name, cronExpr string, fn func(context.Context)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, exists := c.entries[name]; exists {
		c.cron.Remove(id)
		delete(c.entries, name)
		c.logger.Info("replaced repeatable job", zap.String("name", name))
	}
	return c.add(name, cronExpr, fn)
}

func (c *Cron) add(name, cronExpr string, fn func(context.Context)) error {
	id, err := c.cron.AddFunc(cronExpr, func() {
		c.logger.Debug("repeatable job firing", zap.String("name", name))
		fn(c.baseCtx)
	})
	if err != nil {
		return fmt.Errorf("register repeatable %q: %w", name, err)
	}
	c.entries[name] = id
	return nil
}

// Registered reports whether a job is registered under name.
func (c *Cron) Registered(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Start begins firing schedules.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts scheduling and waits for running handlers, bounded by ctx.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
