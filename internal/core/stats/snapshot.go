package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Percentiles reported in every snapshot, keyed by their label.
var Percentiles = []struct {
	Label string
	Value float64
}{
	{"p50", 50},
	{"p75", 75},
	{"p90", 90},
	{"p95", 95},
	{"p99", 99},
	{"p995", 99.5},
}

// Snapshot is the immutable summary of one interval. StartTime and EndTime are Unix
// milliseconds; Data is the base64 compressed HDR histogram.
type Snapshot struct {
	Count       int64              `json:"count"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stddev"`
	Min         int64              `json:"min"`
	Max         int64              `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
	StartTime   int64              `json:"startTime"`
	EndTime     int64              `json:"endTime"`
	Data        string             `json:"data,omitempty"`
	Completed   int64              `json:"completed"`
	Failed      int64              `json:"failed"`
}

// Start returns StartTime as a time.
func (s Snapshot) Start() time.Time { return time.UnixMilli(s.StartTime).UTC() }

// End returns EndTime as a time.
func (s Snapshot) End() time.Time { return time.UnixMilli(s.EndTime).UTC() }

// Histogram decodes Data. A snapshot without data yields an empty histogram.
func (s Snapshot) Histogram() (*hdrhistogram.Histogram, error) {
	if s.Data == "" {
		return newHistogram(), nil
	}
	h, err := hdrhistogram.Decode([]byte(s.Data))
	if err != nil {
		return nil, fmt.Errorf("decode histogram: %w", err)
	}
	return h, nil
}

// Marshal encodes the snapshot as JSON.
func (s Snapshot) Marshal() ([]byte, error) { return json.Marshal(s) }

// UnmarshalSnapshot decodes a JSON snapshot.
func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func newSnapshot(h *hdrhistogram.Histogram, start, end time.Time, completed, failed int64) (Snapshot, error) {
	snap := Snapshot{
		Count:       h.TotalCount(),
		Percentiles: make(map[string]float64, len(Percentiles)),
		StartTime:   start.UnixMilli(),
		EndTime:     end.UnixMilli(),
		Completed:   completed,
		Failed:      failed,
	}
	for _, p := range Percentiles {
		snap.Percentiles[p.Label] = 0
	}
	if snap.Count == 0 {
		return snap, nil
	}

	snap.Mean = h.Mean()
	snap.StdDev = h.StdDev()
	snap.Min = h.Min()
	snap.Max = h.Max()
	for _, p := range Percentiles {
		snap.Percentiles[p.Label] = float64(h.ValueAtQuantile(p.Value))
	}
	data, err := h.Encode(hdrhistogram.V2CompressedEncodingCookieBase)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode histogram: %w", err)
	}
	snap.Data = string(data)
	return snap, nil
}

// MergeSnapshots combines snapshots into one covering [start, end): histograms are decoded and
// added, counters summed, and the result re-encoded.
func MergeSnapshots(start, end time.Time, snaps []Snapshot) (Snapshot, error) {
	merged := newHistogram()
	var completed, failed int64
	for i, s := range snaps {
		h, err := s.Histogram()
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot %d (%s): %w", i, strconv.FormatInt(s.StartTime, 10), err)
		}
		merged.Merge(h)
		completed += s.Completed
		failed += s.Failed
	}
	return newSnapshot(merged, start, end, completed, failed)
}
