package window

import (
	"fmt"
	"sort"
	"time"
)

// Aggregation names accepted by rule conditions.
const (
	OpCount = "count"
	OpSum   = "sum"
	OpAvg   = "avg"
	OpMin   = "min"
	OpMax   = "max"
	OpP50   = "p50"
	OpP75   = "p75"
	OpP90   = "p90"
	OpP95   = "p95"
	OpP99   = "p99"
	OpP995  = "p995"
	OpLast  = "last"
)

// Metric is a windowed aggregate fed one sample at a time.
type Metric interface {
	Update(v float64)
	// Value returns the aggregate and false when there is nothing to report.
	Value() (float64, bool)
	Start() error
	Stop()
}

// Operators is the registry of windowed aggregations. To add one, implement Metric and
// register its constructor here.
var Operators = map[string]func(Options) (Metric, error){
	OpCount: func(o Options) (Metric, error) { return newCountMetric(o) },
	OpSum:   func(o Options) (Metric, error) { return newSumMetric(o, false) },
	OpAvg:   func(o Options) (Metric, error) { return newSumMetric(o, true) },
	OpMin:   func(o Options) (Metric, error) { return newExtremumMetric(NewMin(o)) },
	OpMax:   func(o Options) (Metric, error) { return newExtremumMetric(NewMax(o)) },
	OpP50:   quantileOp(0.50),
	OpP75:   quantileOp(0.75),
	OpP90:   quantileOp(0.90),
	OpP95:   quantileOp(0.95),
	OpP99:   quantileOp(0.99),
	OpP995:  quantileOp(0.995),
	OpLast:  func(o Options) (Metric, error) { return newLastMetric(o) },
}

// ValidOperator reports whether op is a registered aggregation.
func ValidOperator(op string) bool {
	_, ok := Operators[op]
	return ok
}

// OperatorNames returns the registered aggregations in sorted order.
func OperatorNames() []string {
	names := make([]string, 0, len(Operators))
	for name := range Operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMetric builds the aggregation registered under op.
func NewMetric(op string, opts Options) (Metric, error) {
	ctor, ok := Operators[op]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation %q", op)
	}
	return ctor(opts)
}

type countMetric struct{ *Counter }

func newCountMetric(o Options) (Metric, error) {
	c, err := NewCounter(o)
	if err != nil {
		return nil, err
	}
	return countMetric{c}, nil
}

func (m countMetric) Update(float64)         { m.Inc(1) }
func (m countMetric) Value() (float64, bool) { return float64(m.Counter.Value()), true }

type sumMetric struct {
	*Sum
	mean bool
}

func newSumMetric(o Options, mean bool) (Metric, error) {
	s, err := NewSum(o)
	if err != nil {
		return nil, err
	}
	return sumMetric{Sum: s, mean: mean}, nil
}

func (m sumMetric) Update(v float64) { m.Add(v) }
func (m sumMetric) Value() (float64, bool) {
	if m.mean {
		return m.Mean()
	}
	return m.Sum.Value(), true
}

type extremumMetric struct{ *Extremum }

func newExtremumMetric(e *Extremum, err error) (Metric, error) {
	if err != nil {
		return nil, err
	}
	return extremumMetric{e}, nil
}

type quantileMetric struct {
	*Quantile
	q float64
}

func quantileOp(q float64) func(Options) (Metric, error) {
	return func(o Options) (Metric, error) {
		s, err := NewQuantile(o, DefaultRelativeAccuracy)
		if err != nil {
			return nil, err
		}
		return quantileMetric{Quantile: s, q: q}, nil
	}
}

func (m quantileMetric) Update(v float64) {
	// negative samples cannot be indexed by the sketch; latencies never are
	_ = m.Add(v)
}

func (m quantileMetric) Value() (float64, bool) { return m.Quantile.Quantile(m.q) }

// lastMetric reports the most recent sample while it is younger than the window duration.
type lastMetric struct {
	w *SlidingWindow[struct{}]
	v *lastValue
}

type lastValue struct {
	value float64
	at    time.Time
	set   bool
}

func newLastMetric(o Options) (Metric, error) {
	w, err := New(o, func() struct{} { return struct{}{} })
	if err != nil {
		return nil, err
	}
	return lastMetric{w: w, v: &lastValue{}}, nil
}

func (m lastMetric) Update(v float64) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	*m.v = lastValue{value: v, at: m.w.clock.Now(), set: true}
}

func (m lastMetric) Value() (float64, bool) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	if !m.v.set || m.w.clock.Since(m.v.at) > m.w.duration {
		return 0, false
	}
	return m.v.value, true
}

func (m lastMetric) Start() error { return nil }
func (m lastMetric) Stop()        {}
