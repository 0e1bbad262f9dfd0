package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/timer"
)

// Granularity is one level of the rollup chain minute → hour → day → week.
type Granularity int

const (
	Minute Granularity = iota
	Hour
	Day
	Week
)

// Granularities lists every level, finest first.
var Granularities = []Granularity{Minute, Hour, Day, Week}

var granularityInfo = [...]struct {
	name     string
	unit     string
	interval time.Duration
}{
	Minute: {"minute", "m", time.Minute},
	Hour:   {"hour", "h", time.Hour},
	Day:    {"day", "d", 24 * time.Hour},
	Week:   {"week", "w", 7 * 24 * time.Hour},
}

func (g Granularity) valid() bool { return g >= Minute && g <= Week }

func (g Granularity) String() string {
	if !g.valid() {
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
	return granularityInfo[g].name
}

// Unit is the single letter key suffix: m, h, d or w.
func (g Granularity) Unit() string { return granularityInfo[g].unit }

// Interval is the span of one snapshot at this granularity.
func (g Granularity) Interval() time.Duration { return granularityInfo[g].interval }

// Truncate aligns t down to an interval boundary counted from the Unix epoch. Weeks therefore
// start on Thursday 00:00 UTC.
func (g Granularity) Truncate(t time.Time) time.Time { return timer.AlignDown(t, g.Interval()) }

// Next returns the coarser level, false for Week.
func (g Granularity) Next() (Granularity, bool) {
	if g >= Week {
		return g, false
	}
	return g + 1, true
}

// Prev returns the finer level, false for Minute.
func (g Granularity) Prev() (Granularity, bool) {
	if g <= Minute {
		return g, false
	}
	return g - 1, true
}

// ParseGranularity accepts the name ("hour"), the unit ("h") or the key suffix form ("1h").
func ParseGranularity(s string) (Granularity, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "1")
	for _, g := range Granularities {
		info := granularityInfo[g]
		if v == info.name || v == info.unit {
			return g, nil
		}
	}
	return Minute, fmt.Errorf("invalid granularity %q", s)
}

// ParseDuration parses Go duration syntax (e.g. "10s", "1m", "1h") plus whole days ("7d") and
// weeks ("2w"). Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	// time.ParseDuration has no day or week unit.
	for _, g := range []Granularity{Day, Week} {
		n, ok := strings.CutSuffix(v, g.Unit())
		if !ok {
			continue
		}
		count, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if count < 0 {
			return 0, fmt.Errorf("duration must not be negative, got %q", s)
		}
		return time.Duration(count) * g.Interval(), nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %q", s)
	}
	return d, nil
}
