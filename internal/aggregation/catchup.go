package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultInactivityTimeout = 30 * time.Second
	catchUpPollInterval      = time.Second
)

// CatchUpOptions configures a CatchUp.
type CatchUpOptions struct {
	BatchSize int
	// Inactivity stops the replay when the source yields nothing for this long.
	Inactivity time.Duration
	MaxJobs    int
}

// CatchUpResult summarises one replay.
type CatchUpResult struct {
	Events  int
	Minutes int
	Offset  jobevents.Offset
	Reason  string
}

// Stop reasons reported in CatchUpResult.
const (
	StopReachedLive = "reached_live"
	StopInactive    = "inactive"
	StopCancelled   = "cancelled"
)

// CatchUp rebuilds minute statistics from historical job events after downtime. It replays
// the source from the saved offset, rebuilds a Status per minute and writes only the minutes
// missing from the minute series. The offset is saved with every committed minute, so an
// interrupted replay resumes at the last minute boundary and never writes a minute twice.
type CatchUp struct {
	source jobevents.Source
	client goredis.UniversalClient
	w      Writer
	opts   Options
	cu     CatchUpOptions
	series *redis.TimeSeries

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewCatchUp(source jobevents.Source, client goredis.UniversalClient, w Writer, cu CatchUpOptions, opts Options) *CatchUp {
	if cu.BatchSize <= 0 {
		cu.BatchSize = jobevents.DefaultBatchSize
	}
	if cu.Inactivity <= 0 {
		cu.Inactivity = DefaultInactivityTimeout
	}
	opts = opts.normalized()
	return &CatchUp{
		source: source,
		client: client,
		w:      w,
		opts:   opts,
		cu:     cu,
		// queue-level latency has a point for every minute any job finished or waited
		series: redis.NewTimeSeries(client, opts.Keys.Series(stats.MetricLatency, "", stats.Minute)),
	}
}

// SavedOffset reads the offset of the last committed minute.
func (c *CatchUp) SavedOffset(ctx context.Context) (jobevents.Offset, error) {
	v, err := c.client.HGet(ctx, c.opts.Keys.Meta(), redis.CatchUpOffsetField).Result()
	if errors.Is(err, goredis.Nil) {
		return jobevents.Offset{}, nil
	}
	if err != nil {
		return jobevents.Offset{}, fmt.Errorf("read catch-up offset: %w", err)
	}
	return jobevents.ParseOffset(v)
}

// Run replays events strictly before until, the time live collection started. It returns
// when it reaches until, when the source stays empty for the inactivity timeout, or when ctx
// or Stop cancels it.
func (c *CatchUp) Run(ctx context.Context, until time.Time) (CatchUpResult, error) {
	c.mu.Lock()
	if c.stopped || c.done != nil {
		c.mu.Unlock()
		return CatchUpResult{Reason: StopCancelled}, nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer close(done)
	defer c.cancel()

	offset, err := c.SavedOffset(ctx)
	if err != nil {
		return CatchUpResult{}, err
	}
	r := &replay{
		c:         c,
		tracker:   jobevents.NewTracker(c.cu.MaxJobs),
		collector: NewCollector(c.w, c.opts),
		until:     until,
		offset:    offset,
	}
	res, err := r.run(ctx)
	c.opts.Metrics.Replayed(c.opts.Host, c.opts.Keys.Queue, res.Events)
	c.opts.Logger.Info("catch-up finished",
		zap.Int("events", res.Events),
		zap.Int("minutes", res.Minutes),
		zap.String("offset", res.Offset.String()),
		zap.String("reason", res.Reason))
	return res, err
}

// Stop cancels a running replay and waits for it. Stop is idempotent.
func (c *CatchUp) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// replay is the state of one Run.
type replay struct {
	c         *CatchUp
	tracker   *jobevents.Tracker
	collector *Collector
	until     time.Time

	offset   jobevents.Offset // last committed
	pending  jobevents.Offset // last consumed in the open minute
	minute   time.Time        // open minute, zero before the first event
	gaps     map[int64]bool
	gapsFrom time.Time
	res      CatchUpResult
}

func (r *replay) run(ctx context.Context) (CatchUpResult, error) {
	clock := r.c.opts.Clock
	lastActivity := clock.Now()
	r.res.Offset = r.offset
	read := r.offset

	for {
		if ctx.Err() != nil {
			r.res.Reason = StopCancelled
			return r.res, nil
		}
		events, err := r.c.source.Read(ctx, read, r.c.cu.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				r.res.Reason = StopCancelled
				return r.res, nil
			}
			return r.res, err
		}
		if len(events) == 0 {
			if clock.Since(lastActivity) >= r.c.cu.Inactivity {
				if err := r.closeIfComplete(ctx); err != nil {
					return r.res, err
				}
				r.res.Reason = StopInactive
				return r.res, nil
			}
			select {
			case <-ctx.Done():
			case <-clock.After(min(catchUpPollInterval, r.c.cu.Inactivity)):
			}
			continue
		}
		lastActivity = clock.Now()

		for _, e := range events {
			if !e.Timestamp.Before(r.until) {
				if err := r.closeIfComplete(ctx); err != nil {
					return r.res, err
				}
				r.res.Reason = StopReachedLive
				return r.res, nil
			}
			m := stats.Minute.Truncate(e.Timestamp)
			if !r.minute.IsZero() && m.After(r.minute) {
				if err := r.commit(ctx); err != nil {
					return r.res, err
				}
			}
			if r.minute.IsZero() || m.After(r.minute) {
				r.minute = m
			}
			r.collector.OnEvent(e)
			if f, ok := r.tracker.Observe(e); ok {
				r.collector.OnFinished(f)
			}
			r.pending = e.Offset
			r.res.Events++
			read = e.Offset
		}
	}
}

// closeIfComplete commits the open minute when it ends no later than until. A minute
// overlapping until is left to live collection.
func (r *replay) closeIfComplete(ctx context.Context) error {
	if r.minute.IsZero() || r.minute.Add(stats.Minute.Interval()).After(r.until) {
		return nil
	}
	return r.commit(ctx)
}

// commit closes the open minute: it is written if the minute series has no point for it and
// discarded otherwise. The offset of its last event is saved with the same flush.
func (r *replay) commit(ctx context.Context) error {
	gap, err := r.isGap(ctx, r.minute)
	if err != nil {
		return err
	}
	if gap {
		if r.collector.FlushInterval(r.minute, r.minute.Add(stats.Minute.Interval())) > 0 {
			r.res.Minutes++
		}
	} else {
		r.collector.Discard()
	}
	r.c.w.HSet(r.c.opts.Keys.Meta(), redis.CatchUpOffsetField, r.pending.String())
	if err := r.c.w.Flush(ctx); err != nil {
		return err
	}
	r.offset = r.pending
	r.res.Offset = r.offset
	return nil
}

// isGap scans the minute series once, from the first replayed minute up to until.
func (r *replay) isGap(ctx context.Context, minute time.Time) (bool, error) {
	if r.gaps == nil || minute.Before(r.gapsFrom) {
		gaps, err := ScanGaps(ctx, r.c.series, minute, stats.Minute.Truncate(r.until).Add(stats.Minute.Interval()), stats.Minute)
		if err != nil {
			return false, err
		}
		r.gaps = make(map[int64]bool, len(gaps))
		for _, g := range gaps {
			r.gaps[g.UnixMilli()] = true
		}
		r.gapsFrom = minute
	}
	return r.gaps[minute.UnixMilli()], nil
}
