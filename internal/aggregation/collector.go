package aggregation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/core/timer"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Writer is the batched write path. *writebuf.Buffer satisfies it.
type Writer interface {
	snapshotWriter
	HIncr(key, field string, n int64)
	Flush(ctx context.Context) error
}

type snapshotWriter interface {
	ZAdd(key string, score float64, member string)
	HSet(key, field string, value any)
}

// Owner reports whether this process holds the host's write lock.
type Owner interface {
	IsOwner() bool
}

// Meta hash counters maintained by the collector.
const (
	MetaCompleted = "completed"
	MetaFailed    = "failed"
	MetaWaiting   = "waiting"
)

// Options is shared by the collector, rollup and catch-up of one queue.
type Options struct {
	Host string
	Keys redis.Keys
	// SnapshotInterval is the collector's flush cadence. It divides one minute evenly; the
	// finest series then holds one point per interval. Defaults to one minute.
	SnapshotInterval time.Duration
	// Owner, when set, lets rollups skip work while another process holds the lock.
	Owner   Owner
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) normalized() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = stats.Minute.Interval()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Collector routes finished jobs into a queue-level Status and one Status per job type, and
// writes a snapshot of each on every snapshot interval boundary.
type Collector struct {
	w    Writer
	opts Options

	mu        sync.Mutex
	queue     *stats.Status
	jobTypes  map[string]*stats.Status
	onJobType func(string)

	// offset is the last event seen; saved with each flush once recordOffset is set
	offset       jobevents.Offset
	offsetDirty  bool
	recordOffset bool

	timerMu sync.Mutex
	timer   *timer.Aligned
}

func NewCollector(w Writer, opts Options) *Collector {
	return &Collector{
		w:        w,
		opts:     opts.normalized(),
		queue:    stats.NewStatus(),
		jobTypes: make(map[string]*stats.Status),
	}
}

// OnFinished records a finished job.
func (c *Collector) OnFinished(f jobevents.Finished) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Record(f.Latency, f.Wait, f.Success)
	if f.JobName != "" {
		c.jobType(f.JobName).Record(f.Latency, f.Wait, f.Success)
	}
}

// OnEvent notes the event offset and counts jobs entering the waiting state.
func (c *Collector) OnEvent(e jobevents.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offset.Less(e.Offset) {
		c.offset = e.Offset
		c.offsetDirty = true
	}
	if e.Type != jobevents.Waiting {
		return
	}
	c.queue.RecordWaiting()
	if e.JobName != "" {
		c.jobType(e.JobName).RecordWaiting()
	}
}

// OnJobType registers fn to be told about every job type the collector starts tracking,
// including ones seen again after being idle. fn runs with the collector lock held.
func (c *Collector) OnJobType(fn func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onJobType = fn
}

// RecordOffsets makes every later flush also save the offset of the last event seen, so a
// restart replays only what came after it. Enable it once catch-up no longer owns the offset.
func (c *Collector) RecordOffsets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordOffset = true
}

func (c *Collector) jobType(name string) *stats.Status {
	st, ok := c.jobTypes[name]
	if !ok {
		st = stats.NewStatus()
		c.jobTypes[name] = st
		if c.onJobType != nil {
			c.onJobType(name)
		}
	}
	return st
}

// FlushInterval writes a snapshot of every Status holding data for [start, end) and resets
// it. It returns the number of snapshots queued.
func (c *Collector) FlushInterval(start, end time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	if c.queue.HasData() {
		completed, failed, waiting := c.queue.Counts()
		written += c.writeStatus("", c.queue, start, end)
		meta := c.opts.Keys.Meta()
		c.w.HIncr(meta, MetaCompleted, completed)
		c.w.HIncr(meta, MetaFailed, failed)
		c.w.HIncr(meta, MetaWaiting, waiting)
	}
	for name, st := range c.jobTypes {
		if !st.HasData() {
			// idle for a whole interval
			delete(c.jobTypes, name)
			continue
		}
		written += c.writeStatus(name, st, start, end)
	}
	if c.recordOffset && c.offsetDirty {
		c.w.HSet(c.opts.Keys.Meta(), redis.CatchUpOffsetField, c.offset.String())
		c.offsetDirty = false
	}
	return written
}

// Discard drops the open interval without writing it.
func (c *Collector) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Reset()
	clear(c.jobTypes)
}

func (c *Collector) writeStatus(jobType string, st *stats.Status, start, end time.Time) int {
	snaps, err := st.SnapshotAndReset(start, end)
	if err != nil {
		c.opts.Logger.Error("snapshot failed", zap.String("job_type", jobType), zap.Error(err))
		return 0
	}
	for metric, snap := range snaps {
		if err := writeSnapshot(c.w, c.opts.Keys.Series(metric, jobType, stats.Minute), start, snap); err != nil {
			c.opts.Logger.Error("encoding snapshot failed", zap.String("job_type", jobType), zap.Error(err))
			continue
		}
		c.opts.Metrics.Snapshot(c.opts.Host, c.opts.Keys.Queue, stats.Minute.String())
	}
	if jobType != "" && len(snaps) > 0 {
		c.w.ZAdd(c.opts.Keys.JobTypes(), float64(start.UnixMilli()), jobType)
	}
	return len(snaps)
}

// writeSnapshot queues the index entry and record of one series point.
func writeSnapshot(w snapshotWriter, key string, at time.Time, snap stats.Snapshot) error {
	b, err := snap.Marshal()
	if err != nil {
		return err
	}
	ms := at.UnixMilli()
	member := strconv.FormatInt(ms, 10)
	w.ZAdd(key, float64(ms), member)
	w.HSet(redis.Data(key), member, string(b))
	return nil
}

// Start snapshots on every snapshot interval boundary until Stop.
func (c *Collector) Start() error {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		return nil
	}
	interval := c.opts.SnapshotInterval
	t, err := timer.NewAligned(interval, func(tick time.Time) {
		n := c.FlushInterval(tick.Add(-interval), tick)
		c.opts.Logger.Debug("interval flushed", zap.Time("end", tick), zap.Int("snapshots", n))
	}, timer.Options{Clock: c.opts.Clock, Logger: c.opts.Logger})
	if err != nil {
		return err
	}
	c.timer = t
	t.Start()
	return nil
}

// Stop ends the snapshot timer. The open interval is not written.
func (c *Collector) Stop() {
	c.timerMu.Lock()
	t := c.timer
	c.timerMu.Unlock()
	if t != nil {
		t.Stop()
	}
}
