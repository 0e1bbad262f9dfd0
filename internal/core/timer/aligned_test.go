package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAlignDown(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 17, 42, 250*int(time.Millisecond), time.UTC)

	tests := []struct {
		name     string
		interval time.Duration
		want     time.Time
	}{
		{name: "second", interval: time.Second, want: time.Date(2026, 3, 4, 10, 17, 42, 0, time.UTC)},
		{name: "minute", interval: time.Minute, want: time.Date(2026, 3, 4, 10, 17, 0, 0, time.UTC)},
		{name: "hour", interval: time.Hour, want: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
		{name: "day", interval: 24 * time.Hour, want: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, AlignDown(base, tc.interval))
			require.Equal(t, tc.want.Add(tc.interval), AlignUp(base, tc.interval))
		})
	}
}

func TestAlignUpOnBoundaryMovesForward(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	require.Equal(t, at.Add(time.Minute), AlignUp(at, time.Minute))
}

func TestAligned_FiresOnBoundaries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 4, 10, 0, 0, 500*int(time.Millisecond), time.UTC))
	ticks := make(chan time.Time, 4)

	a, err := NewAligned(time.Second, func(tick time.Time) { ticks <- tick }, Options{Clock: clock})
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(500 * time.Millisecond)
	require.Equal(t, time.Date(2026, 3, 4, 10, 0, 1, 0, time.UTC), receive(t, ticks))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Equal(t, time.Date(2026, 3, 4, 10, 0, 2, 0, time.UTC), receive(t, ticks))
}

func TestAligned_RealignsAfterDrift(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 4, 10, 0, 0, 500*int(time.Millisecond), time.UTC))
	ticks := make(chan time.Time, 4)

	a, err := NewAligned(time.Second, func(tick time.Time) { ticks <- tick }, Options{Clock: clock})
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(3 * time.Second)
	require.Equal(t, time.Date(2026, 3, 4, 10, 0, 3, 0, time.UTC), receive(t, ticks))
	require.NoError(t, a.Err())
}

func TestAligned_StrictDriftIsFatal(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 4, 10, 0, 0, 500*int(time.Millisecond), time.UTC))
	ticks := make(chan time.Time, 4)
	fatal := make(chan error, 1)

	a, err := NewAligned(time.Second, func(tick time.Time) { ticks <- tick }, Options{
		Clock:   clock,
		Strict:  true,
		OnFatal: func(err error) { fatal <- err },
	})
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(3 * time.Second)
	select {
	case err := <-fatal:
		require.True(t, errors.Is(err, ErrClockDrift))
	case <-time.After(2 * time.Second):
		t.Fatal("strict timer did not report drift")
	}
	require.ErrorIs(t, a.Err(), ErrClockDrift)
	require.Empty(t, ticks)
}

func TestAligned_StopIsIdempotent(t *testing.T) {
	a, err := NewAligned(time.Minute, func(time.Time) {}, Options{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	a.Start()
	a.Stop()
	a.Stop()
}

func TestNewAligned_RejectsBadInput(t *testing.T) {
	_, err := NewAligned(0, func(time.Time) {}, Options{})
	require.Error(t, err)

	_, err = NewAligned(time.Second, nil, Options{})
	require.Error(t, err)
}

func receive(t *testing.T, ch <-chan time.Time) time.Time {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return time.Time{}
	}
}
