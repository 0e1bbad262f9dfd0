package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Histogram bounds in milliseconds: 1 ms to one day, three significant figures.
	histogramMin     = 1
	histogramMax     = int64(24 * time.Hour / time.Millisecond)
	histogramSigFigs = 3
)

// Metric names a histogram tracked by a Status.
type Metric string

const (
	MetricLatency Metric = "latency"
	MetricWait    Metric = "wait"
)

// Metrics lists the histogram metrics persisted per interval.
var Metrics = []Metric{MetricLatency, MetricWait}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)
}

func clampMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < histogramMin {
		return histogramMin
	}
	if ms > histogramMax {
		return histogramMax
	}
	return ms
}

// Status collects the open interval of one queue or job type: latency and wait histograms
// plus completed, failed and waiting counters.
type Status struct {
	mu        sync.Mutex
	latency   *hdrhistogram.Histogram
	wait      *hdrhistogram.Histogram
	completed int64
	failed    int64
	waiting   int64
	hasData   bool
}

// NewStatus creates an empty Status.
func NewStatus() *Status {
	return &Status{latency: newHistogram(), wait: newHistogram()}
}

// Record adds one finished job.
func (s *Status) Record(latency, wait time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// values are clamped into range so RecordValue cannot fail
	_ = s.latency.RecordValue(clampMillis(latency))
	_ = s.wait.RecordValue(clampMillis(wait))
	if success {
		s.completed++
	} else {
		s.failed++
	}
	s.hasData = true
}

// RecordWaiting counts a job entering the waiting state.
func (s *Status) RecordWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting++
	s.hasData = true
}

// HasData reports whether anything was recorded since the last Reset.
func (s *Status) HasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasData
}

// Counts returns completed, failed and waiting.
func (s *Status) Counts() (completed, failed, waiting int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.failed, s.waiting
}

// Reset clears the Status in place.
func (s *Status) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency.Reset()
	s.wait.Reset()
	s.completed, s.failed, s.waiting = 0, 0, 0
	s.hasData = false
}

// Snapshot summarises metric over [start, end).
func (s *Status) Snapshot(metric Metric, start, end time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.latency
	if metric == MetricWait {
		h = s.wait
	}
	return newSnapshot(h, start, end, s.completed, s.failed)
}

// SnapshotAndReset summarises every metric and clears the Status in one critical section so no
// event is lost between the two.
func (s *Status) SnapshotAndReset(start, end time.Time) (map[Metric]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Metric]Snapshot, len(Metrics))
	for _, m := range Metrics {
		h := s.latency
		if m == MetricWait {
			h = s.wait
		}
		snap, err := newSnapshot(h, start, end, s.completed, s.failed)
		if err != nil {
			return nil, err
		}
		out[m] = snap
	}
	s.latency.Reset()
	s.wait.Reset()
	s.completed, s.failed, s.waiting = 0, 0, 0
	s.hasData = false
	return out, nil
}
