package host

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aevon-lab/queuewatch/internal/config"
	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/aevon-lab/queuewatch/internal/rules"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func testOptions() Options {
	return Options{
		Stats: config.StatsConfig{
			FlushInterval:  20 * time.Millisecond,
			RollupInterval: time.Minute,
			Granularities:  []string{"hour"},
			WorkerCount:    2,
			MaxJobs:        100,
			StreamBlock:    20 * time.Millisecond,
		},
		Lock: config.LockConfig{TTL: time.Second, RetryWait: 50 * time.Millisecond, RenewRatio: 0.7},
		CatchUp: config.CatchUpConfig{
			Enabled:    true,
			Source:     config.SourceStream,
			Inactivity: 100 * time.Millisecond,
			BatchSize:  100,
		},
	}
}

func hostConfig(mr *miniredis.Miniredis, name string) config.HostConfig {
	return config.HostConfig{
		Name:     name,
		RedisURL: "redis://" + mr.Addr(),
		Prefix:   "bull",
		Queues:   []string{"mail"},
	}
}

func slowRule() rules.Definition {
	return rules.Definition{
		ID:     "slow",
		Name:   "slow",
		Queue:  "mail",
		Window: rules.Window{Duration: time.Minute, Period: time.Second},
		Condition: rules.Condition{
			Kind: rules.KindThreshold,
			Threshold: &rules.ThresholdCondition{
				Metric:      rules.MetricLatency,
				Aggregation: "max",
				Operator:    rules.OpGT,
				Error:       decimal.NewFromInt(100),
			},
		},
		Active: true,
	}
}

func xadd(t *testing.T, client goredis.UniversalClient, key string, at time.Time, seq int, event, jobID string) {
	t.Helper()
	require.NoError(t, client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: key,
		ID:     fmt.Sprintf("%d-%d", at.UnixMilli(), seq),
		Values: map[string]any{
			jobevents.FieldEvent: event,
			jobevents.FieldJobID: jobID,
			jobevents.FieldName:  "send",
		},
	}).Err())
}

func TestHost_CatchUpLiveStatsAndAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	keys := redis.NewKeys("bull", "mail")

	// two finished jobs in consecutive minutes before the process started
	m0 := time.Now().UTC().Truncate(time.Minute).Add(-3 * time.Minute)
	m1 := m0.Add(time.Minute)
	xadd(t, client, keys.Events(), m0.Add(time.Second), 0, "waiting", "1")
	xadd(t, client, keys.Events(), m0.Add(2*time.Second), 0, "active", "1")
	xadd(t, client, keys.Events(), m0.Add(5*time.Second), 0, "completed", "1")
	xadd(t, client, keys.Events(), m1.Add(time.Second), 0, "waiting", "2")
	xadd(t, client, keys.Events(), m1.Add(2*time.Second), 0, "active", "2")
	xadd(t, client, keys.Events(), m1.Add(3*time.Second), 0, "completed", "2")

	opts := testOptions()
	opts.Seeds = []rules.Definition{slowRule()}
	h, err := New(hostConfig(mr, "h1"), opts)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	require.Eventually(t, h.Lock().IsOwner, 2*time.Second, 10*time.Millisecond)

	minutes := redis.NewTimeSeries(client, keys.Series(stats.MetricLatency, "", stats.Minute))
	require.Eventually(t, func() bool {
		snap, err := minutes.Get(ctx, m0)
		return err == nil && snap.Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	qm, ok := h.Queue("mail")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(qm.JobTypes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"send"}, qm.JobTypes())
	assert.Equal(t, 1, qm.Rules().Len())

	live := time.Now().UTC().Add(50 * time.Millisecond)
	xadd(t, client, keys.Events(), live, 0, "waiting", "3")
	xadd(t, client, keys.Events(), live, 1, "active", "3")
	xadd(t, client, keys.Events(), live.Add(300*time.Millisecond), 0, "completed", "3")

	alerts := redis.NewAlertStore(client, keys)
	require.Eventually(t, func() bool {
		a, err := alerts.Latest(ctx, "slow")
		return err == nil && a.Kind == redis.AlertTriggered
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close(ctx))
	_, ok = h.Queue("mail")
	assert.False(t, ok)
	assert.False(t, mr.Exists(redis.LockKey("h1")))
	require.NoError(t, h.Close(ctx))
	require.ErrorIs(t, h.Start(ctx), ErrClosed)
}

func TestHost_NonOwnerDoesNotWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	// another process holds the lease
	require.NoError(t, mr.Set(redis.LockKey("h1"), "someone-else"))

	opts := testOptions()
	opts.Seeds = []rules.Definition{slowRule()}
	h, err := New(hostConfig(mr, "h1"), opts)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	keys := redis.NewKeys("bull", "mail")
	live := time.Now().UTC()
	xadd(t, client, keys.Events(), live, 0, "waiting", "1")
	xadd(t, client, keys.Events(), live, 1, "active", "1")
	xadd(t, client, keys.Events(), live.Add(500*time.Millisecond), 0, "completed", "1")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, h.Lock().IsOwner())
	_, err = redis.NewAlertStore(client, keys).Latest(ctx, "slow")
	require.ErrorIs(t, err, redis.ErrNotFound)

	require.NoError(t, h.Close(ctx))
	got, err := mr.Get(redis.LockKey("h1"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestNew_Errors(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := hostConfig(mr, "h1")
	cfg.RedisURL = "nope://localhost"
	_, err := New(cfg, testOptions())
	require.Error(t, err)

	cfg = hostConfig(mr, "h1")
	cfg.LockNodes = []string{"redis://" + mr.Addr(), "::bad::"}
	_, err = New(cfg, testOptions())
	require.Error(t, err)

	opts := testOptions()
	opts.Lock.RenewRatio = 1.5
	_, err = New(hostConfig(mr, "h1"), opts)
	require.Error(t, err)

	opts = testOptions()
	opts.Stats.Granularities = []string{"fortnight"}
	_, err = New(hostConfig(mr, "h1"), opts)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	reg := NewRegistry()

	a, err := New(hostConfig(mr, "a"), testOptions())
	require.NoError(t, err)
	b, err := New(hostConfig(mr, "b"), testOptions())
	require.NoError(t, err)

	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	require.ErrorIs(t, reg.Register(a), ErrHostExists)

	got, ok := reg.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []*Host{a, b}, reg.Hosts())

	removed, ok := reg.Unregister("a")
	require.True(t, ok)
	assert.Same(t, a, removed)
	require.NoError(t, removed.Close(ctx))
	_, ok = reg.Unregister("a")
	assert.False(t, ok)

	require.NoError(t, b.Start(ctx))
	require.NoError(t, reg.Close(ctx))
	assert.Empty(t, reg.Hosts())
	_, ok = b.Queue("mail")
	assert.False(t, ok)
}
