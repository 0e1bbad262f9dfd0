package jobevents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func off(ms int64) Offset { return Offset{Ms: ms} }

func ev(id string, typ Type, ms int64) Event {
	return Event{Queue: "mail", JobID: id, JobName: "send", Type: typ, Offset: off(ms), Timestamp: time.UnixMilli(ms)}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    Offset
		wantErr bool
	}{
		{in: "1700000000000-3", want: Offset{Ms: 1700000000000, Seq: 3}},
		{in: "42", want: Offset{Ms: 42}},
		{in: "0-0", want: Offset{}},
		{in: "", wantErr: true},
		{in: "abc-1", wantErr: true},
		{in: "1-x", wantErr: true},
		{in: "-5", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseOffset(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidOffset)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	o := Offset{Ms: 5, Seq: 1}
	assert.Equal(t, "5-1", o.String())
	assert.True(t, o.Less(o.Next()))
	assert.True(t, Offset{Ms: 4, Seq: 9}.Less(o))
	assert.False(t, o.Less(o))
	assert.Equal(t, time.UnixMilli(5).UTC(), o.Time())
}

func TestTracker_DerivesLatencyAndWait(t *testing.T) {
	tr := NewTracker(0)

	_, ok := tr.Observe(ev("1", Waiting, 1000))
	require.False(t, ok)
	_, ok = tr.Observe(ev("1", Active, 1250))
	require.False(t, ok)
	_, ok = tr.Observe(ev("1", Progress, 1300))
	require.False(t, ok)
	f, ok := tr.Observe(ev("1", Completed, 1750))
	require.True(t, ok)

	assert.Equal(t, 500*time.Millisecond, f.Latency)
	assert.Equal(t, 250*time.Millisecond, f.Wait)
	assert.True(t, f.Success)
	assert.Equal(t, "send", f.JobName)
	assert.Equal(t, int64(1750), f.Timestamp.UnixMilli())
	assert.Equal(t, 0, tr.Len())

	tr.Observe(ev("2", Active, 2000))
	f, ok = tr.Observe(ev("2", Failed, 2100))
	require.True(t, ok)
	assert.False(t, f.Success)
	assert.Equal(t, time.Duration(0), f.Wait)
}

func TestTracker_Drops(t *testing.T) {
	tr := NewTracker(2)
	var mu sync.Mutex
	reasons := map[string]int{}
	tr.OnDrop(func(_ Event, reason string) {
		mu.Lock()
		reasons[reason]++
		mu.Unlock()
	})

	tr.Observe(ev("1", Active, 100))
	_, ok := tr.Observe(ev("1", Completed, 90))
	assert.False(t, ok, "offset going backwards")
	_, ok = tr.Observe(ev("1", Completed, 100))
	assert.False(t, ok, "repeated offset")

	_, ok = tr.Observe(ev("9", Completed, 200))
	assert.False(t, ok, "never seen active")

	tr.Observe(ev("2", Waiting, 300))
	tr.Observe(ev("3", Waiting, 400))
	assert.Equal(t, 2, tr.Len())
	_, ok = tr.Observe(ev("1", Completed, 500))
	assert.False(t, ok, "evicted as least recently seen")

	_, ok = tr.Observe(Event{JobID: "x", Type: "bogus"})
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{
		DropOutOfOrder: 2,
		DropUnknownJob: 2,
		DropEvicted:    1,
		DropInvalid:    1,
	}, reasons)
}

func TestTracker_StalledJobRestartsLatency(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(ev("1", Waiting, 0+1))
	tr.Observe(ev("1", Active, 100))
	tr.Observe(ev("1", Stalled, 200))
	_, ok := tr.Observe(ev("1", Completed, 300))
	assert.False(t, ok)

	tr.Observe(ev("2", Active, 400))
	tr.Observe(ev("2", Removed, 410))
	assert.Equal(t, 0, tr.Len())
}

func TestBus_OrderAndUnsubscribe(t *testing.T) {
	b := NewBus()
	var got []string
	b.OnFinished(func(f Finished) { got = append(got, "a:"+f.JobID) })
	unsub := b.OnFinished(func(f Finished) { got = append(got, "b:"+f.JobID) })
	b.OnEvent(func(e Event) { got = append(got, "e:"+e.JobID) })

	b.PublishEvent(Event{JobID: "1"})
	b.PublishFinished(Finished{JobID: "1"})
	unsub()
	b.PublishFinished(Finished{JobID: "2"})

	assert.Equal(t, []string{"e:1", "a:1", "b:1", "a:2"}, got)
}

func newStream(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func xadd(t *testing.T, client goredis.UniversalClient, id, typ, job string) {
	t.Helper()
	require.NoError(t, client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: "q:mail:events",
		ID:     id,
		Values: map[string]any{FieldEvent: typ, FieldJobID: job, FieldName: "send"},
	}).Err())
}

func TestStreamSource_ReplayAndLive(t *testing.T) {
	_, client := newStream(t)
	ctx := context.Background()

	replay := NewStreamReplay(client, "q:mail:events", "mail")
	last, err := replay.Last(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	xadd(t, client, "1000-0", "waiting", "1")
	xadd(t, client, "1000-1", "active", "1")
	xadd(t, client, "1200-0", "completed", "1")

	events, err := replay.Read(ctx, Offset{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Queue: "mail", JobID: "1", JobName: "send", Type: Active, Offset: Offset{Ms: 1000, Seq: 1}, Timestamp: time.UnixMilli(1000).UTC()}, events[1])

	events, err = replay.Read(ctx, Offset{Ms: 1000, Seq: 1}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Completed, events[0].Type)

	last, err = replay.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, Offset{Ms: 1200}, last)

	live := NewStreamSource(client, "q:mail:events", "mail", 20*time.Millisecond)
	assert.True(t, live.Blocks())
	assert.False(t, replay.Blocks())
	events, err = live.Read(ctx, Offset{Ms: 1000}, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = live.Read(ctx, last, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

type memArchive struct {
	mu     sync.Mutex
	saved  []Event
	failOn int
}

func (m *memArchive) Save(_ context.Context, _ string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn > 0 && len(m.saved) >= m.failOn {
		return errors.New("archive down")
	}
	m.saved = append(m.saved, events...)
	return nil
}

func (m *memArchive) ReadAfter(_ context.Context, _, queue string, after Offset, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.saved {
		if e.Queue == queue && after.Less(e.Offset) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestConsumer_PollDispatchesInOrder(t *testing.T) {
	archive := &memArchive{}
	for i, typ := range []Type{Waiting, Active, Completed, Waiting, Active, Failed} {
		id := "1"
		if i >= 3 {
			id = "2"
		}
		require.NoError(t, archive.Save(context.Background(), "h", []Event{ev(id, typ, int64(100*(i+1)))}))
	}

	bus := NewBus()
	var finished []Finished
	bus.OnFinished(func(f Finished) { finished = append(finished, f) })

	c := NewConsumer(NewArchiveSource(archive, "h", "mail"), NewTracker(0), bus, ConsumerOptions{
		Host: "h", Queue: "mail", BatchSize: 4,
	})
	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, off(400), c.Offset())

	n, err = c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, finished, 2)
	assert.True(t, finished[0].Success)
	assert.Equal(t, 100*time.Millisecond, finished[0].Latency)
	assert.False(t, finished[1].Success)
}

func TestConsumer_RunArchivesAndStops(t *testing.T) {
	_, client := newStream(t)
	xadd(t, client, "1000-0", "active", "1")
	xadd(t, client, "1100-0", "completed", "1")

	archive := &memArchive{}
	bus := NewBus()
	done := make(chan Finished, 1)
	bus.OnFinished(func(f Finished) { done <- f })

	c := NewConsumer(NewStreamSource(client, "q:mail:events", "mail", 10*time.Millisecond), NewTracker(0), bus, ConsumerOptions{
		Host: "h", Queue: "mail", Archive: archive,
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case f := <-done:
		assert.Equal(t, 100*time.Millisecond, f.Latency)
	case <-time.After(2 * time.Second):
		t.Fatal("no finished event")
	}
	cancel()
	require.NoError(t, <-errCh)

	archive.mu.Lock()
	defer archive.mu.Unlock()
	assert.Len(t, archive.saved, 2)
}
