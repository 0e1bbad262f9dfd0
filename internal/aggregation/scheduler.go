package aggregation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/timer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedulerInterval = time.Minute
	defaultWorkerCount       = 4
	// maxConsecutiveRuns bounds one drain; the rest waits for the next tick.
	maxConsecutiveRuns = 100
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Interval    time.Duration
	WorkerCount int
}

// Scheduler runs rollups on an aligned timer. Each tick drains every granularity in chain
// order, so an hour written on this tick can already feed the day rollup.
type Scheduler struct {
	levelsMu sync.Mutex
	levels   [][]*Rollup

	interval time.Duration
	workers  int
	opts     Options

	drainMu sync.Mutex

	mu      sync.Mutex
	timer   *timer.Aligned
	cancel  context.CancelFunc
	stopped bool
	initial sync.WaitGroup
}

// NewScheduler groups rollups by destination granularity.
func NewScheduler(rollups []*Rollup, sched SchedulerOptions, opts Options) *Scheduler {
	if sched.Interval <= 0 {
		sched.Interval = DefaultSchedulerInterval
	}
	if sched.WorkerCount <= 0 {
		sched.WorkerCount = defaultWorkerCount
	}
	levels := make([][]*Rollup, len(stats.Granularities))
	for _, r := range rollups {
		levels[r.Destination()] = append(levels[r.Destination()], r)
	}
	return &Scheduler{levels: levels, interval: sched.Interval, workers: sched.WorkerCount, opts: opts.normalized()}
}

// Add schedules one more rollup from the next drain on.
func (s *Scheduler) Add(r *Rollup) {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	s.levels[r.Destination()] = append(s.levels[r.Destination()], r)
}

// Start drains the backlog once, then on every interval boundary, until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil || s.stopped {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	t, err := timer.NewAligned(s.interval, func(time.Time) { s.Drain(ctx) },
		timer.Options{Clock: s.opts.Clock, Logger: s.opts.Logger})
	if err != nil {
		s.cancel()
		return err
	}
	s.timer = t

	s.opts.Logger.Info("rollup scheduler starting",
		zap.Duration("interval", s.interval),
		zap.Int("workers", s.workers))

	// initial drain catches up with any backlog left while another process was writing
	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.Drain(ctx)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.stopped {
			t.Start()
		}
	}()
	return nil
}

// Stop cancels a running drain and waits for it. No rollup writes after Stop returns. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	t, cancel := s.timer, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.initial.Wait()
	if t != nil {
		t.Stop()
	}
	s.opts.Logger.Info("rollup scheduler stopped")
}

// Drain runs every level in order until each is caught up.
func (s *Scheduler) Drain(ctx context.Context) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.levelsMu.Lock()
	levels := make([][]*Rollup, len(s.levels))
	for i, l := range s.levels {
		levels[i] = slices.Clone(l)
	}
	s.levelsMu.Unlock()

	for _, level := range levels {
		if len(level) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.drainLevel(ctx, level)
	}
}

func (s *Scheduler) drainLevel(ctx context.Context, level []*Rollup) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, r := range level {
		g.Go(func() error {
			for runs := 0; runs < maxConsecutiveRuns; runs++ {
				n, err := r.Run(gctx)
				if err != nil {
					if gctx.Err() == nil {
						s.opts.Logger.Error("rollup failed",
							zap.String("target", r.target.String()),
							zap.String("granularity", r.dst.String()),
							zap.Error(err))
					}
					// one failing target must not stop the others
					return nil
				}
				if n < r.maxChunks {
					return nil
				}
			}
			s.opts.Logger.Warn("max consecutive rollup runs reached, resuming on next tick",
				zap.String("target", r.target.String()),
				zap.String("granularity", r.dst.String()))
			return nil
		})
	}
	_ = g.Wait()
}
