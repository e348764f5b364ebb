// Package scheduler runs the periodic maintenance jobs: re-queueing dropped
// replications, keeping the price feed subscribed to every token with a
// resting order, and rebuilding the matcher's price index. Each job runs in
// gocron singleton mode and under a cluster-wide lock so only one instance
// executes it at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"copytrade-engine/internal/lock"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/storage"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

const jobLockTTL = time.Minute

// Sweeper re-queues ready replications
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// TokenFeed is the price feed's subscription surface
type TokenFeed interface {
	Subscribe(ctx context.Context, token string) error
	Unsubscribe(ctx context.Context, token string) error
	Tokens(ctx context.Context) ([]string, error)
}

// Indexer rebuilds the matcher's in-memory index
type Indexer interface {
	Rebuild(ctx context.Context) error
}

// Locker runs fn while holding a keyed lock
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Deps are the collaborators of the scheduler. Nil jobs are not scheduled.
type Deps struct {
	Store   storage.Store
	Locks   Locker
	Sweeper Sweeper
	Feed    TokenFeed
	Indexer Indexer
}

// Scheduler owns the gocron scheduler and its jobs
type Scheduler struct {
	cfg  config.SchedulerConfig
	deps Deps
	cron gocron.Scheduler
	mu   sync.Mutex
	runs map[string]int
	stop context.CancelFunc
	log  *logrus.Entry
}

// New creates a scheduler. Jobs are registered by Start.
func New(cfg config.SchedulerConfig, deps Deps) (*Scheduler, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = 10 * time.Minute
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		cfg:  cfg,
		deps: deps,
		cron: cron,
		runs: make(map[string]int),
		log:  logrus.WithField("component", "scheduler"),
	}, nil
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.stop = context.WithCancel(ctx)

	jobs := []struct {
		name     string
		interval time.Duration
		enabled  bool
		run      func(ctx context.Context) error
	}{
		{"sweep", s.cfg.SweepInterval, s.deps.Sweeper != nil, s.Sweep},
		{"reconcile", s.cfg.ReconcileInterval, s.deps.Feed != nil && s.deps.Store != nil, s.Reconcile},
		{"rebuild", s.cfg.RebuildInterval, s.deps.Indexer != nil, s.Rebuild},
	}

	for _, j := range jobs {
		if !j.enabled {
			continue
		}
		name, run := j.name, j.run
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { s.runLocked(ctx, name, run) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		s.log.WithFields(logrus.Fields{"job": name, "interval": j.interval}).Info("Job scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs
func (s *Scheduler) Stop() error {
	if s.stop != nil {
		s.stop()
	}
	return s.cron.Shutdown()
}

// Runs reports how many times job completed
func (s *Scheduler) Runs(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[job]
}

func (s *Scheduler) runLocked(ctx context.Context, name string, run func(ctx context.Context) error) {
	err := s.deps.Locks.WithLock(ctx, "scheduler:"+name, jobLockTTL, run)
	switch {
	case errors.Is(err, lock.ErrLockNotAcquired):
		s.log.WithField("job", name).Debug("Job held by another instance")
		return
	case err != nil:
		s.log.WithField("job", name).WithError(err).Warn("Job failed")
	}

	s.mu.Lock()
	s.runs[name]++
	s.mu.Unlock()
}

// Sweep re-queues running replications that were dropped
func (s *Scheduler) Sweep(ctx context.Context) error {
	n, err := s.deps.Sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		s.log.WithField("enqueued", n).Info("Re-queued pending replications")
	}
	return nil
}

// Reconcile subscribes the price feed to every token with a resting order
// and drops tokens whose book is empty
func (s *Scheduler) Reconcile(ctx context.Context) error {
	rows, err := s.deps.Store.ListAllRestingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load order book: %w", err)
	}
	want := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		want[r.TokenAddress] = struct{}{}
	}

	have, err := s.deps.Feed.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	subscribed := make(map[string]struct{}, len(have))
	for _, t := range have {
		subscribed[t] = struct{}{}
		if _, ok := want[t]; !ok {
			if err := s.deps.Feed.Unsubscribe(ctx, t); err != nil {
				return err
			}
		}
	}

	missing := make([]string, 0)
	for t := range want {
		if _, ok := subscribed[t]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	for _, t := range missing {
		if err := s.deps.Feed.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild reloads the matcher index from storage
func (s *Scheduler) Rebuild(ctx context.Context) error {
	return s.deps.Indexer.Rebuild(ctx)
}
