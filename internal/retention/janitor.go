package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@hourly"

// Kinds of removed records, used as the metrics label.
const (
	KindSeries  = "series"
	KindAlerts  = "alerts"
	KindArchive = "archive"
)

// Owner reports whether this process holds the host's write lock.
type Owner interface {
	IsOwner() bool
}

// Pruner deletes archived events of a host older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, host string, before time.Time) (int64, error)
}

// Target is one queue whose stored data the janitor trims.
type Target struct {
	Host   string
	Client goredis.UniversalClient
	Keys   redis.Keys
	Owner  Owner
}

// Policy is how long each kind of record is kept. A zero duration keeps records forever.
type Policy struct {
	Series  map[stats.Granularity]time.Duration
	Alerts  time.Duration
	Archive time.Duration
}

// Options configures a Janitor.
type Options struct {
	Schedule string
	Policy   Policy
	// Archive, when set, is pruned once per owned host.
	Archive Pruner
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Result counts the records removed by one sweep.
type Result struct {
	Series  int64
	Alerts  int64
	Archive int64
	Skipped int
}

// Janitor periodically trims snapshot series, alert logs and the event archive. Only targets
// whose host lock is held are touched.
type Janitor struct {
	targets func() []Target
	opts    Options
	logger  *zap.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New validates the schedule. targets is called at every sweep, so hosts and queues
// registered later are picked up.
func New(targets func() []Target, opts Options) (*Janitor, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	schedule, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", opts.Schedule, err)
	}

	j := &Janitor{targets: targets, opts: opts, logger: opts.Logger}
	cl := cronLogger{j.logger.Sugar()}
	j.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	j.cron.Schedule(schedule, cron.FuncJob(j.sweep))
	return j, nil
}

// Start runs sweeps on the schedule until Stop. Calling Start again is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started || j.stopped {
		return
	}
	j.started = true
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.cron.Start()
	j.logger.Info("retention janitor started", zap.String("schedule", j.opts.Schedule))
}

func (j *Janitor) sweep() {
	j.mu.Lock()
	ctx, stopped := j.ctx, j.stopped
	j.mu.Unlock()
	if stopped || ctx == nil {
		return
	}

	res := j.Run(ctx)
	j.logger.Info("retention sweep finished",
		zap.Int64("series", res.Series),
		zap.Int64("alerts", res.Alerts),
		zap.Int64("archive", res.Archive),
		zap.Int("skipped", res.Skipped))
}

// Stop cancels a running sweep and waits for it, or for ctx. Stop is idempotent.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run performs one sweep over every target. Failures are logged and the sweep moves on to
// the next target.
func (j *Janitor) Run(ctx context.Context) Result {
	now := j.opts.Clock.Now()
	var res Result
	pruned := make(map[string]bool)
	for _, t := range j.targets() {
		if ctx.Err() != nil {
			return res
		}
		if t.Owner != nil && !t.Owner.IsOwner() {
			res.Skipped++
			continue
		}
		logger := j.logger.With(zap.String("host", t.Host), zap.String("queue", t.Keys.Queue))

		n, err := j.trimSeries(ctx, t, now)
		res.Series += n
		j.opts.Metrics.Removed(t.Host, KindSeries, n)
		if err != nil {
			logger.Warn("trimming series failed", zap.Error(err))
		}

		n, err = j.pruneAlerts(ctx, t, now)
		res.Alerts += n
		j.opts.Metrics.Removed(t.Host, KindAlerts, n)
		if err != nil {
			logger.Warn("pruning alerts failed", zap.Error(err))
		}

		if j.opts.Archive != nil && j.opts.Policy.Archive > 0 && !pruned[t.Host] {
			pruned[t.Host] = true
			n, err := j.opts.Archive.Prune(ctx, t.Host, now.Add(-j.opts.Policy.Archive))
			res.Archive += n
			j.opts.Metrics.Removed(t.Host, KindArchive, n)
			if err != nil {
				logger.Warn("pruning archive failed", zap.Error(err))
			}
		}
	}
	return res
}

func (j *Janitor) trimSeries(ctx context.Context, t Target, now time.Time) (int64, error) {
	jobTypes, err := redis.JobTypes(ctx, t.Client, t.Keys)
	if err != nil {
		return 0, err
	}
	scopes := append([]string{""}, jobTypes...)
	var removed int64
	for _, metric := range stats.Metrics {
		for _, g := range stats.Granularities {
			keep := j.opts.Policy.Series[g]
			if keep <= 0 {
				continue
			}
			cutoff := g.Truncate(now.Add(-keep))
			for _, scope := range scopes {
				n, err := redis.NewTimeSeries(t.Client, t.Keys.Series(metric, scope, g)).Trim(ctx, cutoff)
				removed += n
				if err != nil {
					return removed, err
				}
			}
		}
	}
	return removed, nil
}

func (j *Janitor) pruneAlerts(ctx context.Context, t Target, now time.Time) (int64, error) {
	if j.opts.Policy.Alerts <= 0 {
		return 0, nil
	}
	ids, err := redis.NewRuleStore(t.Client, t.Keys).IDs(ctx)
	if err != nil {
		return 0, err
	}
	alerts := redis.NewAlertStore(t.Client, t.Keys)
	cutoff := now.Add(-j.opts.Policy.Alerts)
	var removed int64
	for _, id := range ids {
		n, err := alerts.Prune(ctx, id, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
