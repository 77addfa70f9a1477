// Package scheduler drives forward progress: a periodic sweep over the
// job store that dispatches queued jobs to the executor without any
// client staying connected.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudporter/cloudporter/internal/domain"
	"github.com/cloudporter/cloudporter/internal/store"
)

// Runner is what the scheduler dispatches to (the executor).
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

type Config struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	StaleAfter        time.Duration
}

type Scheduler struct {
	store  store.JobStore
	runner Runner
	locker Locker
	cfg    Config
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a scheduler. locker may be nil when the deployment has a
// single instance by construction (tests, dev).
func New(s store.JobStore, r Runner, locker Locker, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Scheduler{store: s, runner: r, locker: locker, cfg: cfg, log: log}
}

// Start launches the polling loop. The ticker body runs cycles
// back-to-back, never overlapping: a slow cycle delays the next tick
// rather than stacking a second sweep on top.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the loop and blocks until the in-flight cycle drains,
// then surrenders leadership.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	if s.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(ctx); err != nil {
			s.log.Warn("scheduler: release leadership", zap.Error(err))
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one sweep: claim leadership, dispatch up to
// MaxConcurrentJobs queued jobs in priority order, then requeue
// stale processing jobs. Errors abort only the affected job, never
// the loop.
func (s *Scheduler) Cycle(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx)
		if err != nil {
			s.log.Warn("scheduler: leadership check failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}

	jobs, err := s.store.Query(ctx, store.QueryFilter{
		Statuses: []domain.Status{domain.StatusQueued},
		Limit:    s.cfg.MaxConcurrentJobs,
	})
	if err != nil {
		s.log.Error("scheduler: query queued jobs", zap.Error(err))
		return
	}

	if len(jobs) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxConcurrentJobs)
		for _, job := range jobs {
			id := job.ID
			g.Go(func() error {
				if err := s.runner.Run(gctx, id); err != nil {
					s.log.Error("scheduler: job dispatch", zap.String("job_id", id), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	n, err := s.store.RequeueStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.Error("scheduler: requeue stale", zap.Error(err))
	} else if n > 0 {
		s.log.Warn("scheduler: requeued stale jobs", zap.Int("count", n))
	}
}
