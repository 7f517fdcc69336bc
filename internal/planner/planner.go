// Package planner pairs active users and schedules one synthetic message per pair.
package planner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/users"
)

// Templates is the fixed message set. "{name}" becomes the receiver's display name.
var Templates = []string{
	"Hey {name}, how has your day been so far?",
	"Hi {name}! Seen anything good lately?",
	"{name}, what are you up to this weekend?",
	"Hello {name}, got any recommendations for a good book?",
	"Hey {name}, coffee or tea?",
	"Hi {name}, what's something that made you smile today?",
	"{name}! Quick question: mountains or beach?",
	"Hey {name}, what's the best thing you ate this week?",
}

// maxNameRunes caps the display name substituted into a template so the
// content stays within its length limit.
const maxNameRunes = 100

type Inserter interface {
	InsertBatch(ctx context.Context, msgs []model.ScheduledMessage) error
}

type Planner struct {
	users users.Lookup
	store Inserter
	log   *zap.Logger
	now   func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Planner)

// WithRand injects the random source used for shuffling, templates and offsets.
func WithRand(r *rand.Rand) Option {
	return func(p *Planner) { p.rng = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func New(lookup users.Lookup, store Inserter, log *zap.Logger, opts ...Option) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Planner{
		users: lookup,
		store: store,
		log:   log,
		now:   time.Now,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run plans and stores today's batch. It returns the number of records created.
// A failed insert is reported; the next run plans a fresh batch.
func (p *Planner) Run(ctx context.Context) (int, error) {
	active, err := p.users.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active users: %w", err)
	}

	batch, err := p.Plan(active, p.now().UTC())
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		p.log.Info("planner skipped: fewer than two active users", zap.Int("active_users", len(active)))
		return 0, nil
	}

	if err := p.store.InsertBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("insert planned batch of %d: %w", len(batch), err)
	}

	p.log.Info("planner scheduled messages",
		zap.Int("active_users", len(active)),
		zap.Int("scheduled", len(batch)),
	)
	return len(batch), nil
}

// Plan builds the batch for the given users without storing it.
func (p *Planner) Plan(active []model.User, now time.Time) ([]model.ScheduledMessage, error) {
	pool := dedupe(active)
	if len(pool) < 2 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.shuffle(pool)
	pairs := pairUp(pool)

	out := make([]model.ScheduledMessage, 0, len(pairs))
	for _, pr := range pairs {
		sender, receiver := pr[0], pr[1]
		m := model.ScheduledMessage{
			ID:           uuid.NewString(),
			SenderID:     sender.ID,
			ReceiverID:   receiver.ID,
			SenderName:   sender.DisplayName,
			ReceiverName: receiver.DisplayName,
			Content:      p.content(receiver),
			SendAt:       now.Add(p.offset()),
			State:        model.Pending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("planned message %s -> %s: %w", sender.ID, receiver.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// shuffle is a Fisher-Yates permutation driven by p.rng.
func (p *Planner) shuffle(u []model.User) {
	for i := len(u) - 1; i > 0; i-- {
		j := p.rng.IntN(i + 1)
		u[i], u[j] = u[j], u[i]
	}
}

// pairUp splits a permutation into consecutive pairs. An odd count adds a
// wrap-around pair from the last element to the first.
func pairUp(perm []model.User) [][2]model.User {
	n := len(perm)
	pairs := make([][2]model.User, 0, (n+1)/2)
	for i := 0; i+1 < n; i += 2 {
		pairs = append(pairs, [2]model.User{perm[i], perm[i+1]})
	}
	if n%2 == 1 {
		pairs = append(pairs, [2]model.User{perm[n-1], perm[0]})
	}
	return pairs
}

func (p *Planner) content(receiver model.User) string {
	name := receiver.DisplayName
	if name == "" {
		name = receiver.ID
	}
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	return strings.ReplaceAll(Templates[p.rng.IntN(len(Templates))], "{name}", name)
}

// offset is uniform over 1..24 hours plus 0..59 minutes.
func (p *Planner) offset() time.Duration {
	hours := 1 + p.rng.IntN(24)
	minutes := p.rng.IntN(60)
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
}

func dedupe(in []model.User) []model.User {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.User, 0, len(in))
	for _, u := range in {
		if u.ID == "" {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out
}
