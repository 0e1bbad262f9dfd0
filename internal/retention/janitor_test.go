package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

var now = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

type owner bool

func (o owner) IsOwner() bool { return bool(o) }

type fakePruner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePruner) Prune(_ context.Context, host string, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, host+"@"+before.Format(time.RFC3339))
	return 3, p.err
}

func newClient(t *testing.T) goredis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func addPoints(t *testing.T, client goredis.UniversalClient, key string, at ...time.Time) {
	t.Helper()
	ts := redis.NewTimeSeries(client, key)
	for _, a := range at {
		s := stats.NewStatus()
		s.Record(time.Millisecond, time.Millisecond, true)
		snap, err := s.Snapshot(stats.MetricLatency, a, a.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, ts.Add(context.Background(), a, snap))
	}
}

func policy() Policy {
	return Policy{
		Series:  map[stats.Granularity]time.Duration{stats.Minute: time.Hour, stats.Hour: 24 * time.Hour},
		Alerts:  24 * time.Hour,
		Archive: 48 * time.Hour,
	}
}

func TestJanitor_RunTrimsSeriesAlertsAndArchive(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	keys := redis.NewKeys("bull", "mail")

	addPoints(t, client, keys.Series(stats.MetricLatency, "", stats.Minute),
		now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-30*time.Minute))
	addPoints(t, client, keys.Series(stats.MetricLatency, "send", stats.Minute),
		now.Add(-2*time.Hour), now.Add(-10*time.Minute))
	require.NoError(t, client.ZAdd(ctx, keys.JobTypes(), goredis.Z{Score: float64(now.UnixMilli()), Member: "send"}).Err())
	addPoints(t, client, keys.Series(stats.MetricWait, "", stats.Hour),
		now.Add(-72*time.Hour).Truncate(time.Hour), now.Add(-time.Hour).Truncate(time.Hour))
	// weeks are kept forever
	addPoints(t, client, keys.Series(stats.MetricLatency, "", stats.Week), now.Add(-60*24*time.Hour))

	rules := redis.NewRuleStore(client, keys)
	alerts := redis.NewAlertStore(client, keys)
	require.NoError(t, rules.Create(ctx, "r1", now, []byte(`{}`)))
	require.NoError(t, alerts.Add(ctx, redis.Alert{ID: "old", RuleID: "r1", Kind: redis.AlertTriggered, Start: now.Add(-48 * time.Hour).UnixMilli()}))
	require.NoError(t, alerts.Add(ctx, redis.Alert{ID: "new", RuleID: "r1", Kind: redis.AlertTriggered, Start: now.Add(-time.Hour).UnixMilli()}))

	pruner := &fakePruner{}
	targets := []Target{
		{Host: "h1", Client: client, Keys: keys, Owner: owner(true)},
		{Host: "h1", Client: client, Keys: redis.NewKeys("bull", "empty"), Owner: owner(true)},
		{Host: "h2", Client: client, Keys: redis.NewKeys("bull", "mail"), Owner: owner(false)},
	}
	j, err := New(func() []Target { return targets }, Options{
		Policy:  policy(),
		Archive: pruner,
		Clock:   clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)

	res := j.Run(ctx)
	assert.Equal(t, int64(4), res.Series)
	assert.Equal(t, int64(1), res.Alerts)
	assert.Equal(t, int64(3), res.Archive)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"h1@" + now.Add(-48*time.Hour).Format(time.RFC3339)}, pruner.calls)

	span, ok, err := redis.NewTimeSeries(client, keys.Series(stats.MetricLatency, "", stats.Minute)).Span(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(-30*time.Minute), span.First)

	week, ok, err := redis.NewTimeSeries(client, keys.Series(stats.MetricLatency, "", stats.Week)).Span(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), week.Count)

	latest, err := alerts.Latest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)
	got, err := alerts.Range(ctx, "r1", now.Add(-100*time.Hour), now, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// a second sweep finds nothing left to remove
	res = j.Run(ctx)
	assert.Zero(t, res.Series)
	assert.Zero(t, res.Alerts)
}

func TestJanitor_ArchiveErrorDoesNotStopSweep(t *testing.T) {
	client := newClient(t)
	keys := redis.NewKeys("bull", "mail")
	addPoints(t, client, keys.Series(stats.MetricLatency, "", stats.Minute), now.Add(-2*time.Hour))

	pruner := &fakePruner{err: errors.New("db down")}
	j, err := New(func() []Target {
		return []Target{
			{Host: "h1", Client: client, Keys: keys, Owner: owner(true)},
			{Host: "h2", Client: client, Keys: redis.NewKeys("bull", "other"), Owner: owner(true)},
		}
	}, Options{Policy: policy(), Archive: pruner, Clock: clockwork.NewFakeClockAt(now)})
	require.NoError(t, err)

	res := j.Run(context.Background())
	assert.Equal(t, int64(1), res.Series)
	assert.Len(t, pruner.calls, 2)
}

func TestJanitor_CancelledRunStops(t *testing.T) {
	client := newClient(t)
	j, err := New(func() []Target {
		return []Target{{Host: "h1", Client: client, Keys: redis.NewKeys("bull", "mail")}}
	}, Options{Policy: policy(), Clock: clockwork.NewFakeClockAt(now)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, Result{}, j.Run(ctx))
}

func TestJanitor_ScheduleLifecycle(t *testing.T) {
	_, err := New(func() []Target { return nil }, Options{Schedule: "whenever"})
	require.Error(t, err)

	j, err := New(func() []Target { return nil }, Options{Schedule: "@every 1h"})
	require.NoError(t, err)
	j.Start(context.Background())
	j.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
	j.Stop(ctx)
	require.NoError(t, ctx.Err())
}
