package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/aggregation"
	"github.com/aevon-lab/queuewatch/internal/config"
	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/aevon-lab/queuewatch/internal/rules"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueueManager wires the pipeline of one queue: the live consumer feeding the bus, the
// minute collector and rule manager listening on it, the rollup scheduler and the catch-up
// replay that fills minutes missed while nobody was collecting.
type QueueManager struct {
	host   *Host
	name   string
	keys   redis.Keys
	opts   aggregation.Options
	logger *zap.Logger

	bus       *jobevents.Bus
	live      *jobevents.StreamSource
	collector *aggregation.Collector
	scheduler *aggregation.Scheduler
	catchUp   *aggregation.CatchUp
	rules     *rules.Manager
	rollups   []stats.Granularity

	mu          sync.Mutex
	jobTypes    map[string]bool
	consumer    *jobevents.Consumer
	until       time.Time
	unsubscribe []func()
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
}

func newQueueManager(h *Host, name string) (*QueueManager, error) {
	keys := redis.NewKeys(h.cfg.Prefix, name)
	logger := h.logger.With(zap.String("queue", name))
	opts := aggregation.Options{
		Host:             h.name,
		Keys:             keys,
		SnapshotInterval: h.opts.Stats.SnapshotInterval,
		Owner:            h.lock,
		Clock:            h.opts.Clock,
		Logger:           logger,
		Metrics:          h.opts.Metrics,
	}
	granularities, err := h.opts.Stats.Rollups()
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}

	qm := &QueueManager{
		host:      h,
		name:      name,
		keys:      keys,
		opts:      opts,
		logger:    logger,
		bus:       jobevents.NewBus(),
		live:      jobevents.NewStreamSource(h.client, keys.Events(), name, h.opts.Stats.StreamBlock),
		collector: aggregation.NewCollector(h.buf, opts),
		rollups:   granularities,
		jobTypes:  make(map[string]bool),
	}

	var queueRollups []*aggregation.Rollup
	for _, m := range stats.Metrics {
		rs, err := qm.newRollups(aggregation.Target{Metric: m})
		if err != nil {
			return nil, err
		}
		queueRollups = append(queueRollups, rs...)
	}
	qm.scheduler = aggregation.NewScheduler(queueRollups, aggregation.SchedulerOptions{
		Interval:    h.opts.Stats.RollupInterval,
		WorkerCount: h.opts.Stats.WorkerCount,
	}, opts)

	var source jobevents.Source = jobevents.NewStreamReplay(h.client, keys.Events(), name)
	if h.opts.CatchUp.Source == config.SourceArchive && h.opts.Archive != nil {
		source = jobevents.NewArchiveSource(h.opts.Archive, h.name, name)
	}
	qm.catchUp = aggregation.NewCatchUp(source, h.client, h.buf, aggregation.CatchUpOptions{
		BatchSize:  h.opts.CatchUp.BatchSize,
		Inactivity: h.opts.CatchUp.Inactivity,
		MaxJobs:    h.opts.Stats.MaxJobs,
	}, opts)

	qm.rules = rules.NewManager(redis.NewRuleStore(h.client, keys), redis.NewAlertStore(h.client, keys), rules.ManagerOptions{
		Host:    h.name,
		Queue:   name,
		Owner:   h.lock,
		Clock:   h.opts.Clock,
		Logger:  logger.Named("rules"),
		Metrics: h.opts.Metrics,
	})
	return qm, nil
}

func (qm *QueueManager) newRollups(target aggregation.Target) ([]*aggregation.Rollup, error) {
	out := make([]*aggregation.Rollup, 0, len(qm.rollups))
	for _, g := range qm.rollups {
		r, err := aggregation.NewRollup(qm.host.client, qm.host.buf, target, g, qm.opts)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Name returns the queue name.
func (qm *QueueManager) Name() string { return qm.name }

// Keys returns the key builder of the queue.
func (qm *QueueManager) Keys() redis.Keys { return qm.keys }

// Rules returns the rule manager of the queue.
func (qm *QueueManager) Rules() *rules.Manager { return qm.rules }

// Bus returns the bus finished jobs of the queue are published on.
func (qm *QueueManager) Bus() *jobevents.Bus { return qm.bus }

// JobTypes returns the job types with rollups scheduled.
func (qm *QueueManager) JobTypes() []string {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	out := make([]string, 0, len(qm.jobTypes))
	for name := range qm.jobTypes {
		out = append(out, name)
	}
	return out
}

// addJobType schedules the rollups of a job type the first time it is seen.
func (qm *QueueManager) addJobType(name string) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.jobTypes[name] || qm.closed {
		return
	}
	for _, m := range stats.Metrics {
		rs, err := qm.newRollups(aggregation.Target{Metric: m, JobType: name})
		if err != nil {
			qm.logger.Error("job type rollups", zap.String("job_type", name), zap.Error(err))
			return
		}
		for _, r := range rs {
			qm.scheduler.Add(r)
		}
	}
	qm.jobTypes[name] = true
	qm.logger.Debug("job type discovered", zap.String("job_type", name))
}

// discover schedules rollups for every job type in the queue's job type index.
func (qm *QueueManager) discover(ctx context.Context) error {
	names, err := redis.JobTypes(ctx, qm.host.client, qm.keys)
	if err != nil {
		return err
	}
	for _, name := range names {
		qm.addJobType(name)
	}
	return nil
}

// start loads the rules, subscribes the listeners and starts the timers. Live consumption
// resumes after the newest stream entry; older entries are left to catch-up.
func (qm *QueueManager) start(ctx context.Context) error {
	if err := qm.discover(ctx); err != nil {
		return fmt.Errorf("queue %s: %w", qm.name, err)
	}
	qm.collector.OnJobType(qm.addJobType)

	if err := qm.rules.Seed(ctx, qm.host.opts.Seeds); err != nil {
		return fmt.Errorf("queue %s: seed rules: %w", qm.name, err)
	}
	if err := qm.rules.Load(ctx); err != nil {
		return fmt.Errorf("queue %s: load rules: %w", qm.name, err)
	}

	last, err := qm.live.Last(ctx)
	if err != nil {
		return fmt.Errorf("queue %s: %w", qm.name, err)
	}
	consumer := jobevents.NewConsumer(qm.live, jobevents.NewTracker(qm.host.opts.Stats.MaxJobs), qm.bus, jobevents.ConsumerOptions{
		Host:    qm.host.name,
		Queue:   qm.name,
		From:    last,
		Archive: qm.host.opts.Archive,
		Clock:   qm.host.opts.Clock,
		Logger:  qm.logger.Named("consumer"),
		Metrics: qm.host.opts.Metrics,
	})

	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.closed {
		return nil
	}
	qm.consumer = consumer
	qm.until = qm.host.opts.Clock.Now()
	qm.unsubscribe = append(qm.unsubscribe,
		qm.bus.OnEvent(qm.collector.OnEvent),
		qm.bus.OnFinished(qm.collector.OnFinished),
		qm.rules.Attach(qm.bus),
	)
	if !qm.host.opts.CatchUp.Enabled {
		qm.collector.RecordOffsets()
	}
	if err := qm.collector.Start(); err != nil {
		return fmt.Errorf("queue %s: %w", qm.name, err)
	}
	if err := qm.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("queue %s: %w", qm.name, err)
	}
	qm.logger.Info("queue started",
		zap.String("from", last.String()),
		zap.Int("rules", qm.rules.Len()),
		zap.Int("job_types", len(qm.jobTypes)))
	return nil
}

// run consumes live events until Close or ctx cancellation. Catch-up runs alongside once the
// host lock is owned.
func (qm *QueueManager) run(ctx context.Context) error {
	qm.mu.Lock()
	if qm.closed || qm.consumer == nil {
		qm.mu.Unlock()
		return nil
	}
	ctx, qm.cancel = context.WithCancel(ctx)
	qm.done = make(chan struct{})
	consumer, until, done := qm.consumer, qm.until, qm.done
	qm.mu.Unlock()
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if qm.host.opts.CatchUp.Enabled {
		g.Go(func() error {
			qm.runCatchUp(gctx, until)
			return nil
		})
	}
	return g.Wait()
}

func (qm *QueueManager) runCatchUp(ctx context.Context, until time.Time) {
	if err := qm.host.waitOwner(ctx); err != nil {
		return
	}
	res, err := qm.catchUp.Run(ctx, until)
	if err != nil && !errors.Is(err, context.Canceled) {
		qm.logger.Warn("catch-up failed", zap.Error(err))
	}
	// The saved offset belongs to catch-up until it has replayed everything before until.
	if err == nil && (res.Reason == aggregation.StopInactive || res.Reason == aggregation.StopReachedLive) {
		qm.collector.RecordOffsets()
	}
	if res.Minutes > 0 {
		if err := qm.discover(ctx); err != nil && ctx.Err() == nil {
			qm.logger.Warn("job type discovery failed", zap.Error(err))
		}
	}
}

// Close stops catch-up and the scheduler, then the collector, then the consumer, and
// unregisters the queue from its host. Buffered writes are left for the host's final flush.
// Close is idempotent.
func (qm *QueueManager) Close() {
	qm.mu.Lock()
	if qm.closed {
		qm.mu.Unlock()
		return
	}
	qm.closed = true
	cancel, done, unsubscribe := qm.cancel, qm.done, qm.unsubscribe
	qm.unsubscribe = nil
	qm.mu.Unlock()

	qm.catchUp.Stop()
	qm.scheduler.Stop()
	qm.collector.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
	for _, unsub := range unsubscribe {
		unsub()
	}
	qm.rules.Close()
	qm.host.unregister(qm.name)
	qm.logger.Info("queue stopped")
}
