package planner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
	"github.com/LeventeLantos/paired-messaging/internal/users"
)

var now = time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

func makeUsers(n int) users.Static {
	out := make(users.Static, n)
	for i := range out {
		out[i] = model.User{ID: fmt.Sprintf("u%d", i+1), DisplayName: fmt.Sprintf("User %d", i+1)}
	}
	return out
}

func newPlanner(lookup users.Lookup, store Inserter, seed uint64) *Planner {
	return New(lookup, store, nil,
		WithRand(rand.New(rand.NewPCG(seed, seed+1))),
		WithClock(func() time.Time { return now }),
	)
}

func isTemplate(content string) bool {
	for _, tpl := range Templates {
		head, tail, _ := strings.Cut(tpl, "{name}")
		if strings.HasPrefix(content, head) && strings.HasSuffix(content, tail) {
			return true
		}
	}
	return false
}

func TestPlan_CountAndPairs(t *testing.T) {
	t.Parallel()

	for n := 2; n <= 11; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			p := newPlanner(nil, nil, uint64(n))
			batch, err := p.Plan(makeUsers(n), now)
			require.NoError(t, err)
			require.Len(t, batch, (n+1)/2)

			appearances := map[string]int{}
			for _, m := range batch {
				assert.NotEqual(t, m.SenderID, m.ReceiverID)
				assert.Equal(t, model.Pending, m.State)
				assert.Zero(t, m.RetryCount)
				assert.True(t, isTemplate(m.Content), m.Content)
				assert.NotEmpty(t, m.ID)
				appearances[m.SenderID]++
				appearances[m.ReceiverID]++
			}

			assert.Len(t, appearances, n, "every user is paired")
			twice := 0
			for _, c := range appearances {
				if c == 2 {
					twice++
				}
				assert.LessOrEqual(t, c, 2)
			}
			if n%2 == 1 {
				assert.Equal(t, 1, twice, "odd count puts exactly one user in two pairs")
			} else {
				assert.Zero(t, twice)
			}
		})
	}
}

func TestPlan_SendAtWindow(t *testing.T) {
	t.Parallel()

	p := newPlanner(nil, nil, 7)
	for i := 0; i < 50; i++ {
		batch, err := p.Plan(makeUsers(9), now)
		require.NoError(t, err)
		for _, m := range batch {
			offset := m.SendAt.Sub(now)
			assert.GreaterOrEqual(t, offset, time.Hour)
			assert.Less(t, offset, 25*time.Hour)
			assert.Zero(t, offset%time.Minute)
		}
	}
}

func TestPlan_LongDisplayNameStillPlans(t *testing.T) {
	t.Parallel()

	active := users.Static{
		{ID: "u1", DisplayName: strings.Repeat("ж", 2000)},
		{ID: "u2", DisplayName: "Bo"},
		{ID: "u3", DisplayName: strings.Repeat("x", 5000)},
	}
	p := newPlanner(nil, nil, 11)
	for i := 0; i < 20; i++ {
		batch, err := p.Plan(active, now)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		for _, m := range batch {
			assert.LessOrEqual(t, len([]rune(m.Content)), 1000)
			assert.True(t, isTemplate(m.Content), m.Content)
		}
	}
}

func TestPlan_FewerThanTwoUsers(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil, nil, 1)

	for _, in := range []users.Static{nil, makeUsers(1), {{ID: "u1"}, {ID: "u1"}}} {
		batch, err := p.Plan(in, now)
		require.NoError(t, err)
		assert.Empty(t, batch)
	}
}

func TestPlan_ThreeUsers(t *testing.T) {
	t.Parallel()

	p := newPlanner(nil, nil, 42)
	batch, err := p.Plan(makeUsers(3), now)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// The second record is the wrap pair: it starts at the last element of the
	// permutation and ends at the first, which is the first record's sender.
	first, wrap := batch[0], batch[1]
	assert.Equal(t, first.SenderID, wrap.ReceiverID)
	assert.NotEqual(t, first.ReceiverID, wrap.SenderID)

	ids := map[string]bool{first.SenderID: true, first.ReceiverID: true, wrap.SenderID: true}
	assert.Len(t, ids, 3)
}

func TestPlan_DeterministicWithSameSeed(t *testing.T) {
	t.Parallel()

	a, err := newPlanner(nil, nil, 99).Plan(makeUsers(6), now)
	require.NoError(t, err)
	b, err := newPlanner(nil, nil, 99).Plan(makeUsers(6), now)
	require.NoError(t, err)

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].SenderID, b[i].SenderID)
		assert.Equal(t, a[i].ReceiverID, b[i].ReceiverID)
		assert.Equal(t, a[i].Content, b[i].Content)
		assert.Equal(t, a[i].SendAt, b[i].SendAt)
	}
}

func TestPairUp(t *testing.T) {
	t.Parallel()
	u := makeUsers(5)
	pairs := pairUp(u)
	require.Len(t, pairs, 3)
	assert.Equal(t, [2]model.User{u[0], u[1]}, pairs[0])
	assert.Equal(t, [2]model.User{u[2], u[3]}, pairs[1])
	assert.Equal(t, [2]model.User{u[4], u[0]}, pairs[2])
}

func TestRun_InsertsOneBatch(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryScheduledRepo()
	p := newPlanner(makeUsers(4), store, 3)

	n, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := store.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.Pending])

	due, err := store.FindDue(context.Background(), now.Add(25*time.Hour), 3, 10)
	require.NoError(t, err)
	for _, m := range due {
		assert.NotEmpty(t, m.SenderName)
		assert.NotEmpty(t, m.ReceiverName)
	}
}

type failingStore struct{ calls int }

func (f *failingStore) InsertBatch(context.Context, []model.ScheduledMessage) error {
	f.calls++
	return errors.New("db down")
}

type failingLookup struct{}

func (failingLookup) Active(context.Context) ([]model.User, error) {
	return nil, errors.New("users unavailable")
}

func TestRun_ReportsInsertFailureWithoutRetry(t *testing.T) {
	t.Parallel()

	store := &failingStore{}
	_, err := newPlanner(makeUsers(4), store, 3).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, store.calls)
}

func TestRun_LookupFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{}
	_, err := newPlanner(failingLookup{}, store, 3).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, store.calls)
}

func TestRun_NoopBelowTwoUsers(t *testing.T) {
	t.Parallel()

	store := &failingStore{}
	n, err := newPlanner(makeUsers(1), store, 3).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.calls)
}
