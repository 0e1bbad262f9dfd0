package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minuteStart = time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

func TestStatus_RecordAndReset(t *testing.T) {
	s := NewStatus()
	require.False(t, s.HasData())

	s.Record(120*time.Millisecond, 30*time.Millisecond, true)
	s.Record(80*time.Millisecond, 10*time.Millisecond, false)
	s.RecordWaiting()
	require.True(t, s.HasData())

	completed, failed, waiting := s.Counts()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(1), waiting)

	snap, err := s.Snapshot(MetricLatency, minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Count)
	assert.InDelta(t, 100.0, snap.Mean, 0.5)
	assert.Equal(t, int64(80), snap.Min)
	assert.InDelta(t, 120, snap.Max, 1)
	assert.NotEmpty(t, snap.Data)
	assert.Equal(t, minuteStart.UnixMilli(), snap.StartTime)

	s.Reset()
	assert.False(t, s.HasData())
	snap, err = s.Snapshot(MetricWait, minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, snap.Count)
	assert.Empty(t, snap.Data)
	assert.Len(t, snap.Percentiles, len(Percentiles))
}

func TestStatus_ClampsOutOfRangeValues(t *testing.T) {
	s := NewStatus()
	s.Record(0, 48*time.Hour, true)

	lat, err := s.Snapshot(MetricLatency, minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), lat.Min)

	wait, err := s.Snapshot(MetricWait, minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)
	assert.InEpsilon(t, float64(histogramMax), float64(wait.Max), 0.001)
}

func TestStatus_SnapshotAndReset(t *testing.T) {
	s := NewStatus()
	s.Record(time.Second, 2*time.Second, true)

	snaps, err := s.SnapshotAndReset(minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.InDelta(t, 1000, snaps[MetricLatency].Mean, 1)
	assert.InDelta(t, 2000, snaps[MetricWait].Mean, 2)
	assert.False(t, s.HasData())
}

func TestMergeSnapshots(t *testing.T) {
	var parts []Snapshot
	for i := 0; i < 3; i++ {
		s := NewStatus()
		for v := 1; v <= 100; v++ {
			s.Record(time.Duration(v*(i+1))*time.Millisecond, time.Millisecond, v%10 != 0)
		}
		start := minuteStart.Add(time.Duration(i) * time.Minute)
		snap, err := s.Snapshot(MetricLatency, start, start.Add(time.Minute))
		require.NoError(t, err)
		parts = append(parts, snap)
	}
	parts = append(parts, Snapshot{StartTime: minuteStart.Add(3 * time.Minute).UnixMilli()})

	merged, err := MergeSnapshots(minuteStart, minuteStart.Add(time.Hour), parts)
	require.NoError(t, err)
	assert.Equal(t, int64(300), merged.Count)
	assert.Equal(t, int64(270), merged.Completed)
	assert.Equal(t, int64(30), merged.Failed)
	assert.Equal(t, int64(1), merged.Min)
	assert.InDelta(t, 300, merged.Max, 1)
	assert.Equal(t, minuteStart.Add(time.Hour).UnixMilli(), merged.EndTime)

	// decode → merge → encode is lossless for the recorded values
	h, err := merged.Histogram()
	require.NoError(t, err)
	assert.Equal(t, int64(300), h.TotalCount())
}

func TestMergeSnapshots_RejectsCorruptData(t *testing.T) {
	_, err := MergeSnapshots(minuteStart, minuteStart.Add(time.Hour), []Snapshot{{Data: "not-a-histogram"}})
	require.Error(t, err)
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	s := NewStatus()
	s.Record(42*time.Millisecond, 7*time.Millisecond, true)
	snap, err := s.Snapshot(MetricLatency, minuteStart, minuteStart.Add(time.Minute))
	require.NoError(t, err)

	b, err := snap.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"startTime":`)

	back, err := UnmarshalSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
	assert.Equal(t, minuteStart, back.Start())
}

func TestGranularity_Chain(t *testing.T) {
	tests := []struct {
		g        Granularity
		unit     string
		interval time.Duration
		next     Granularity
		hasNext  bool
	}{
		{Minute, "m", time.Minute, Hour, true},
		{Hour, "h", time.Hour, Day, true},
		{Day, "d", 24 * time.Hour, Week, true},
		{Week, "w", 7 * 24 * time.Hour, Week, false},
	}
	for _, tc := range tests {
		t.Run(tc.g.String(), func(t *testing.T) {
			assert.Equal(t, tc.unit, tc.g.Unit())
			assert.Equal(t, tc.interval, tc.g.Interval())
			next, ok := tc.g.Next()
			assert.Equal(t, tc.hasNext, ok)
			assert.Equal(t, tc.next, next)
			if ok {
				prev, ok := next.Prev()
				require.True(t, ok)
				assert.Equal(t, tc.g, prev)
			}
		})
	}

	_, ok := Minute.Prev()
	assert.False(t, ok)
}

func TestGranularity_Truncate(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 17, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 17, 0, 0, time.UTC), Minute.Truncate(at))
	assert.Equal(t, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), Hour.Truncate(at))
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), Day.Truncate(at))
	// 2026-02-26 is a Thursday
	assert.Equal(t, time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), Week.Truncate(at))
}

func TestParseGranularity(t *testing.T) {
	for in, want := range map[string]Granularity{
		"minute": Minute, "m": Minute, "1m": Minute,
		"HOUR": Hour, "1h": Hour,
		"d": Day, "week": Week, "1w": Week,
	} {
		got, err := ParseGranularity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseGranularity("fortnight")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "10s", want: 10 * time.Second},
		{in: "1m", want: time.Minute},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: " 2w ", want: 14 * 24 * time.Hour},
		{in: "0d", want: 0},
		{in: "0s", want: 0},
		{in: "", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "-2d", wantErr: true},
		{in: "1.5d", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
