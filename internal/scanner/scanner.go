// Package scanner promotes due scheduling records into the delivery queue.
//
// Claim and publish happen in that order: a record is first moved
// pending -> queued with a conditional write, and only the worker whose write
// applied publishes it. A failed publish is compensated with queued -> pending.
// A crash between the two steps leaves a queued record that was never
// published; Reconcile re-publishes queued records whose last publish is older
// than the stale threshold.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
)

type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

type Config struct {
	BatchSize      int
	MaxRetries     int
	ReconcileStale time.Duration
}

type Result struct {
	Found     int `json:"found"`
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Reverted  int `json:"reverted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type Scanner struct {
	store repo.ScheduledRepository
	pub   Publisher
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	last      Result
	lastRun   time.Time
	lastErr   error
	sweep     Result
	lastSweep time.Time
}

func New(store repo.ScheduledRepository, pub Publisher, cfg Config, log *zap.Logger) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ReconcileStale <= 0 {
		cfg.ReconcileStale = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   log.With(zap.String("component", "scanner")),
		now:   time.Now,
	}
}

// Scan promotes every due pending record, up to the batch size.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	due, err := s.store.FindDue(ctx, now, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		s.record(res, err)
		return res, fmt.Errorf("find due: %w", err)
	}
	res.Found = len(due)

	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		s.promote(ctx, m, now, &res)
	}

	s.record(res, nil)
	return res, nil
}

func (s *Scanner) promote(ctx context.Context, m model.ScheduledMessage, now time.Time, res *Result) {
	log := s.log.With(zap.String("scheduled_id", m.ID))

	body, err := encodePayload(m)
	if err != nil {
		log.Warn("skipping record with invalid payload", zap.Error(err))
		res.Skipped++
		return
	}

	ok, err := s.store.Promote(ctx, m.ID, now)
	if err != nil {
		log.Warn("promote failed", zap.Error(err))
		res.Errors++
		return
	}
	if !ok {
		// Another scan claimed it first.
		res.Skipped++
		return
	}
	res.Claimed++

	if _, err := s.pub.Publish(ctx, body); err != nil {
		log.Warn("publish failed, reverting claim", zap.Error(err))
		res.Errors++
		reverted, rerr := s.store.Revert(context.WithoutCancel(ctx), m.ID, s.now().UTC())
		if rerr != nil {
			log.Error("revert failed; reconciliation will republish", zap.Error(rerr))
			return
		}
		if reverted {
			res.Reverted++
		}
		return
	}
	res.Published++
}

// Reconcile re-publishes queued records whose last publish is older than the
// stale threshold. Each record is re-claimed by advancing last_published_at
// with a write conditional on the value it was read with, so overlapping
// sweeps publish it once.
func (s *Scanner) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	stale, err := s.store.FindStaleQueued(ctx, now.Add(-s.cfg.ReconcileStale), s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		s.recordSweep(res)
		return res, fmt.Errorf("find stale queued: %w", err)
	}
	res.Found = len(stale)

	for _, m := range stale {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With(zap.String("scheduled_id", m.ID))

		body, err := encodePayload(m)
		if err != nil {
			log.Warn("skipping record with invalid payload", zap.Error(err))
			res.Skipped++
			continue
		}

		ok, err := s.store.TouchPublished(ctx, m.ID, m.LastPublishedAt, now)
		if err != nil {
			log.Warn("reclaim failed", zap.Error(err))
			res.Errors++
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Claimed++

		if _, err := s.pub.Publish(ctx, body); err != nil {
			log.Warn("republish failed", zap.Error(err))
			res.Errors++
			continue
		}
		res.Published++
		log.Info("republished stale queued record", zap.Timep("previous_publish", m.LastPublishedAt))
	}

	s.recordSweep(res)
	return res, nil
}

// Tick runs one Scan and logs its outcome. It is the scheduler entry point.
func (s *Scanner) Tick(ctx context.Context) {
	res, err := s.Scan(ctx)
	if err != nil {
		s.log.Warn("scan failed", zap.Error(err))
		return
	}
	if res.Found > 0 {
		s.log.Info("scan finished",
			zap.Int("found", res.Found),
			zap.Int("published", res.Published),
			zap.Int("skipped", res.Skipped),
			zap.Int("reverted", res.Reverted),
			zap.Int("errors", res.Errors),
		)
	}
}

// ReconcileTick runs one Reconcile and logs its outcome.
func (s *Scanner) ReconcileTick(ctx context.Context) {
	res, err := s.Reconcile(ctx)
	if err != nil {
		s.log.Warn("reconcile failed", zap.Error(err))
		return
	}
	if res.Found > 0 {
		s.log.Info("reconcile finished",
			zap.Int("found", res.Found),
			zap.Int("published", res.Published),
			zap.Int("errors", res.Errors),
		)
	}
}

type Status struct {
	LastScan      Result    `json:"lastScan"`
	LastScanAt    time.Time `json:"lastScanAt"`
	LastScanError string    `json:"lastScanError,omitempty"`
	LastSweep     Result    `json:"lastSweep"`
	LastSweepAt   time.Time `json:"lastSweepAt"`
}

func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		LastScan:    s.last,
		LastScanAt:  s.lastRun,
		LastSweep:   s.sweep,
		LastSweepAt: s.lastSweep,
	}
	if s.lastErr != nil {
		st.LastScanError = s.lastErr.Error()
	}
	return st
}

func (s *Scanner) record(res Result, err error) {
	s.mu.Lock()
	s.last, s.lastRun, s.lastErr = res, s.now().UTC(), err
	s.mu.Unlock()
}

func (s *Scanner) recordSweep(res Result) {
	s.mu.Lock()
	s.sweep, s.lastSweep = res, s.now().UTC()
	s.mu.Unlock()
}

func encodePayload(m model.ScheduledMessage) ([]byte, error) {
	p := m.Payload()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
