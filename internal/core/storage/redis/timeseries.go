package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("redis: record not found")

// Point is one timestamped snapshot of a series.
type Point struct {
	Timestamp time.Time
	Snapshot  stats.Snapshot
}

// Span describes the extent of a series.
type Span struct {
	First time.Time
	Last  time.Time
	Count int64
}

// TimeSeries stores snapshots in a sorted index (score and member are the Unix millisecond
// timestamp) plus a data hash keyed by the same timestamp. Multi-key operations run as Lua
// scripts so readers never observe an index entry without its record.
type TimeSeries struct {
	client goredis.UniversalClient
	key    string
}

// NewTimeSeries binds the series with index key key.
func NewTimeSeries(client goredis.UniversalClient, key string) *TimeSeries {
	return &TimeSeries{client: client, key: key}
}

// Key returns the index key.
func (ts *TimeSeries) Key() string { return ts.key }

// Add stores snap at at, replacing any record with the same timestamp.
func (ts *TimeSeries) Add(ctx context.Context, at time.Time, snap stats.Snapshot) error {
	b, err := snap.Marshal()
	if err != nil {
		return err
	}
	if err := seriesAdd.Run(ctx, ts.client, []string{ts.key, Data(ts.key)}, at.UnixMilli(), b).Err(); err != nil {
		return fmt.Errorf("add %s@%d: %w", ts.key, at.UnixMilli(), err)
	}
	return nil
}

// Get returns the snapshot stored at at.
func (ts *TimeSeries) Get(ctx context.Context, at time.Time) (stats.Snapshot, error) {
	v, err := ts.client.HGet(ctx, Data(ts.key), strconv.FormatInt(at.UnixMilli(), 10)).Result()
	if errors.Is(err, goredis.Nil) {
		return stats.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("get %s@%d: %w", ts.key, at.UnixMilli(), err)
	}
	return stats.UnmarshalSnapshot([]byte(v))
}

// Range returns the points in [start, end) in time order.
func (ts *TimeSeries) Range(ctx context.Context, start, end time.Time) ([]Point, error) {
	res, err := seriesRange.Run(ctx, ts.client, []string{ts.key, Data(ts.key)},
		start.UnixMilli(), exclusive(end)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", ts.key, err)
	}
	points := make([]Point, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		ms, err := strconv.ParseInt(res[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("range %s: bad member %q: %w", ts.key, res[i], err)
		}
		snap, err := stats.UnmarshalSnapshot([]byte(res[i+1]))
		if err != nil {
			return nil, fmt.Errorf("range %s@%d: %w", ts.key, ms, err)
		}
		points = append(points, Point{Timestamp: time.UnixMilli(ms).UTC(), Snapshot: snap})
	}
	return points, nil
}

// Span returns the first and last timestamps and the number of points, false when the series
// is empty.
func (ts *TimeSeries) Span(ctx context.Context) (Span, bool, error) {
	res, err := seriesSpan.Run(ctx, ts.client, []string{ts.key}).Slice()
	if err != nil {
		return Span{}, false, fmt.Errorf("span %s: %w", ts.key, err)
	}
	if len(res) < 3 {
		return Span{}, false, nil
	}
	first, err := parseScore(res[0])
	if err != nil {
		return Span{}, false, err
	}
	last, err := parseScore(res[1])
	if err != nil {
		return Span{}, false, err
	}
	n, _ := res[2].(int64)
	return Span{First: time.UnixMilli(first).UTC(), Last: time.UnixMilli(last).UTC(), Count: n}, true, nil
}

// Gaps returns the start of every interval in [start, end) that holds no point. Intervals are
// aligned on start.
func (ts *TimeSeries) Gaps(ctx context.Context, start, end time.Time, interval time.Duration) ([]time.Time, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("gaps %s: interval must be positive", ts.key)
	}
	if !end.After(start) {
		return nil, nil
	}
	res, err := seriesGaps.Run(ctx, ts.client, []string{ts.key},
		start.UnixMilli(), end.UnixMilli(), interval.Milliseconds()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("gaps %s: %w", ts.key, err)
	}
	gaps := make([]time.Time, 0, len(res))
	for _, s := range res {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gaps %s: bad timestamp %q: %w", ts.key, s, err)
		}
		gaps = append(gaps, time.UnixMilli(ms).UTC())
	}
	return gaps, nil
}

// Trim removes every point strictly before before and returns how many were removed.
func (ts *TimeSeries) Trim(ctx context.Context, before time.Time) (int64, error) {
	n, err := seriesTrim.Run(ctx, ts.client, []string{ts.key, Data(ts.key)}, exclusive(before)).Int64()
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", ts.key, err)
	}
	return n, nil
}

func exclusive(t time.Time) string { return "(" + strconv.FormatInt(t.UnixMilli(), 10) }

func parseScore(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected score type %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad score %q: %w", s, err)
	}
	return int64(f), nil
}

// JobTypes lists the job types recorded in the queue's job type index.
func JobTypes(ctx context.Context, client goredis.UniversalClient, keys Keys) ([]string, error) {
	names, err := client.ZRange(ctx, keys.JobTypes(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job types of %s: %w", keys.Queue, err)
	}
	slices.Sort(names)
	return names, nil
}
