// Package retention deletes delivered scheduling records once they age out.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const DefaultWindow = 30 * 24 * time.Hour

type Deleter interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	store  Deleter
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func NewSweeper(store Deleter, window time.Duration, log *zap.Logger) *Sweeper {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:  store,
		window: window,
		log:    log.With(zap.String("component", "retention")),
		now:    time.Now,
	}
}

// Run removes sent records whose sentAt is older than now minus the window.
// Only sent records are eligible; failed ones stay for inspection.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.window)
	n, err := s.store.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	s.log.Info("retention sweep finished", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Tick is the cron entry point.
func (s *Sweeper) Tick(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		s.log.Error("retention sweep failed", zap.Error(err))
	}
}
