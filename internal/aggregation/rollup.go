package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultMaxChunks bounds the destination chunks one Run writes.
const DefaultMaxChunks = 500

// ScanGaps returns the g-aligned interval starts in [start, end) that have no point in ts.
func ScanGaps(ctx context.Context, ts *redis.TimeSeries, start, end time.Time, g stats.Granularity) ([]time.Time, error) {
	from := g.Truncate(start)
	to := g.Truncate(end)
	if !to.After(from) {
		return nil, nil
	}
	return ts.Gaps(ctx, from, to, g.Interval())
}

// Target identifies one series family: a metric of the queue or of one job type.
type Target struct {
	Metric  stats.Metric
	JobType string
}

func (t Target) String() string {
	if t.JobType == "" {
		return string(t.Metric)
	}
	return t.JobType + "/" + string(t.Metric)
}

// Rollup merges snapshots of one granularity into the next coarser one for one target.
type Rollup struct {
	client goredis.UniversalClient
	w      Writer
	opts   Options
	target Target
	src    stats.Granularity
	dst    stats.Granularity

	srcSeries *redis.TimeSeries
	dstSeries *redis.TimeSeries
	cursor    string
	maxChunks int
}

// NewRollup creates the rollup feeding dst from the next finer granularity.
func NewRollup(client goredis.UniversalClient, w Writer, target Target, dst stats.Granularity, opts Options) (*Rollup, error) {
	src, ok := dst.Prev()
	if !ok {
		return nil, fmt.Errorf("rollup: %s has no finer granularity", dst)
	}
	opts = opts.normalized()
	keys := opts.Keys
	return &Rollup{
		client:    client,
		w:         w,
		opts:      opts,
		target:    target,
		src:       src,
		dst:       dst,
		srcSeries: redis.NewTimeSeries(client, keys.Series(target.Metric, target.JobType, src)),
		dstSeries: redis.NewTimeSeries(client, keys.Series(target.Metric, target.JobType, dst)),
		cursor:    redis.CursorField(target.JobType, target.Metric, dst),
		maxChunks: DefaultMaxChunks,
	}, nil
}

// Destination returns the granularity written.
func (r *Rollup) Destination() stats.Granularity { return r.dst }

// Run writes every destination chunk the source fully covers past the cursor and returns how
// many chunks it wrote. A second Run over an unchanged source writes nothing. Merged chunks
// are held back until the walk completes, so a cancelled Run leaves nothing queued. Run does
// nothing while another process holds the lock.
func (r *Rollup) Run(ctx context.Context) (int, error) {
	if r.opts.Owner != nil && !r.opts.Owner.IsOwner() {
		return 0, nil
	}
	span, ok, err := r.srcSeries.Span(ctx)
	if err != nil || !ok {
		return 0, err
	}
	interval := r.dst.Interval()

	start := r.dst.Truncate(span.First)
	last, hasCursor, err := r.lastWrite(ctx)
	if err != nil {
		return 0, err
	}
	if hasCursor && !last.Add(interval).Before(start) {
		start = last.Add(interval)
	}
	// a chunk is complete once the source holds data through its end
	covered := span.Last.Add(r.srcStep())
	end := r.dst.Truncate(covered)
	if end.Before(start.Add(interval)) {
		return 0, nil
	}

	chunks, err := ScanGaps(ctx, r.dstSeries, start, end, r.dst)
	if err != nil {
		return 0, err
	}
	if len(chunks) > r.maxChunks {
		chunks = chunks[:r.maxChunks]
		end = chunks[len(chunks)-1].Add(interval)
	}

	var out pendingWrites
	written := 0
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ok, err := r.rollChunk(ctx, &out, chunk, chunk.Add(interval))
		if err != nil {
			return 0, err
		}
		if ok {
			written++
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	out.HSet(r.opts.Keys.Meta(), r.cursor, strconv.FormatInt(end.Add(-interval).UnixMilli(), 10))
	out.applyTo(r.w)
	for range written {
		r.opts.Metrics.RollupChunk(r.opts.Host, r.opts.Keys.Queue, r.dst.String())
	}
	if err := r.w.Flush(ctx); err != nil {
		return written, err
	}
	if written > 0 {
		r.opts.Logger.Debug("rolled up",
			zap.String("target", r.target.String()),
			zap.String("granularity", r.dst.String()),
			zap.Int("chunks", written))
	}
	return written, nil
}

// srcStep is the spacing of source points. The finest series holds one point per snapshot
// interval.
func (r *Rollup) srcStep() time.Duration {
	if r.src == stats.Minute {
		return r.opts.SnapshotInterval
	}
	return r.src.Interval()
}

func (r *Rollup) rollChunk(ctx context.Context, out *pendingWrites, start, end time.Time) (bool, error) {
	points, err := r.srcSeries.Range(ctx, start, end)
	if err != nil {
		return false, err
	}
	if len(points) == 0 {
		return false, nil
	}
	snaps := make([]stats.Snapshot, 0, len(points))
	for _, p := range points {
		snaps = append(snaps, p.Snapshot)
	}
	merged, err := stats.MergeSnapshots(start, end, snaps)
	if err != nil {
		return false, fmt.Errorf("rollup %s %s@%d: %w", r.target, r.dst, start.UnixMilli(), err)
	}
	if err := writeSnapshot(out, r.dstSeries.Key(), start, merged); err != nil {
		return false, err
	}
	return true, nil
}

// pendingWrites holds one Run's writes until the walk is complete.
type pendingWrites struct {
	ops []func(snapshotWriter)
}

func (p *pendingWrites) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(w snapshotWriter) { w.ZAdd(key, score, member) })
}

func (p *pendingWrites) HSet(key, field string, value any) {
	p.ops = append(p.ops, func(w snapshotWriter) { w.HSet(key, field, value) })
}

func (p *pendingWrites) applyTo(w snapshotWriter) {
	for _, op := range p.ops {
		op(w)
	}
	p.ops = nil
}

// lastWrite reads the start of the last destination chunk written.
func (r *Rollup) lastWrite(ctx context.Context) (time.Time, bool, error) {
	v, err := r.client.HGet(ctx, r.opts.Keys.Meta(), r.cursor).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cursor %s: %w", r.cursor, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad cursor %s=%q: %w", r.cursor, v, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
