package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"copytrade-engine/internal/lock"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	tokens map[string]bool
}

func (f *fakeFeed) Subscribe(_ context.Context, token string) error {
	f.tokens[token] = true
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, token string) error {
	delete(f.tokens, token)
	return nil
}

func (f *fakeFeed) Tokens(context.Context) ([]string, error) {
	out := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

type fakeIndexer struct{ rebuilt int }

func (f *fakeIndexer) Rebuild(context.Context) error {
	f.rebuilt++
	return nil
}

func newCoordinator(locker *lock.MemoryLocker) *lock.Coordinator {
	return lock.NewCoordinator(locker, nil, config.LockConfig{Retries: 1, RetryDelay: time.Millisecond})
}

func TestReconcileFollowsOrderBook(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, token := range []string{"A", "B", "A"} {
		require.NoError(t, store.CreateRestingOrder(ctx, &models.RestingOrder{
			TokenAddress:  token,
			Price:         decimal.NewFromInt(1),
			Quantity:      decimal.NewFromInt(1),
			Side:          models.SideBuy,
			ParentOrderID: "o-" + token,
		}))
	}
	feed := &fakeFeed{tokens: map[string]bool{"B": true, "Stale": true}}

	s, err := New(config.SchedulerConfig{}, Deps{Store: store, Locks: newCoordinator(lock.NewMemoryLocker()), Feed: feed})
	require.NoError(t, err)
	require.NoError(t, s.Reconcile(ctx))

	tokens, _ := feed.Tokens(ctx)
	assert.Equal(t, []string{"A", "B"}, tokens)
}

func TestJobsRunPeriodically(t *testing.T) {
	sweeper := &fakeSweeper{}
	indexer := &fakeIndexer{}
	locker := lock.NewMemoryLocker()

	s, err := New(config.SchedulerConfig{
		SweepInterval:   10 * time.Millisecond,
		RebuildInterval: time.Hour,
	}, Deps{Locks: newCoordinator(locker), Sweeper: sweeper, Indexer: indexer})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return sweeper.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.GreaterOrEqual(t, s.Runs("sweep"), 2)
	assert.False(t, locker.Held("scheduler:sweep"), "lock released after every run")
	assert.Zero(t, s.Runs("reconcile"), "no feed, no reconcile job")
}

func TestJobSkippedWhileLockHeldElsewhere(t *testing.T) {
	sweeper := &fakeSweeper{}
	locker := lock.NewMemoryLocker()
	ok, err := locker.Acquire(context.Background(), "scheduler:sweep", "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := New(config.SchedulerConfig{}, Deps{Locks: newCoordinator(locker), Sweeper: sweeper})
	require.NoError(t, err)

	s.runLocked(context.Background(), "sweep", s.Sweep)
	assert.Zero(t, sweeper.count())
	assert.Zero(t, s.Runs("sweep"))
}

func TestFailedJobStillCounts(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	s, err := New(config.SchedulerConfig{}, Deps{Locks: newCoordinator(lock.NewMemoryLocker()), Sweeper: sweeper})
	require.NoError(t, err)

	s.runLocked(context.Background(), "sweep", s.Sweep)
	assert.Equal(t, 1, sweeper.count())
	assert.Equal(t, 1, s.Runs("sweep"))
}
