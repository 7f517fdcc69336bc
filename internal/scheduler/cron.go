package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron fires named jobs on standard 5-field cron specs.
// Each firing runs in its own goroutine, so a slow run never delays the next one.
type Cron struct {
	c   *cron.Cron
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCron(loc *time.Location, log *zap.Logger) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Cron{
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under spec. The context passed to fn is cancelled by Stop.
func (c *Cron) Add(name, spec string, fn func(context.Context)) error {
	_, err := c.c.AddFunc(spec, func() {
		log := c.log.With(zap.String("job", name))
		defer func() {
			if r := recover(); r != nil {
				log.Error("cron job panic recovered", zap.Any("panic", r))
			}
		}()

		start := time.Now()
		fn(c.ctx)
		log.Info("cron job completed", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
	if err != nil {
		return fmt.Errorf("add cron job %s (%q): %w", name, spec, err)
	}
	c.log.Info("cron job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (c *Cron) Start() {
	c.c.Start()
}

// Stop prevents new firings, cancels running jobs and waits for them to return.
func (c *Cron) Stop() {
	c.cancel()
	<-c.c.Stop().Done()
}
