package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs tickFn every interval, with one immediate tick on Start.
// Ticks of one Scheduler never overlap; a slow tick makes the ticker drop the ticks it missed.
type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	log      *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context), log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		log:      log.With(zap.String("job", name)),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Name() string {
	return s.name
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", zap.Duration("interval", s.interval))

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug("scheduler tick completed", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}
