package rules

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/window"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/shopspring/decimal"
)

// ErrNonFinite is returned when an aggregate is NaN or infinite.
var ErrNonFinite = errors.New("rules: non-finite value")

var hundred = decimal.NewFromInt(100)

// Sample is the evaluation input derived from one finished job.
type Sample struct {
	JobName   string
	Latency   time.Duration
	Wait      time.Duration
	Success   bool
	Timestamp time.Time
}

// SampleOf converts a finished job.
func SampleOf(f jobevents.Finished) Sample {
	return Sample{
		JobName:   f.JobName,
		Latency:   f.Latency,
		Wait:      f.Wait,
		Success:   f.Success,
		Timestamp: f.Timestamp,
	}
}

func (s Sample) value(m Metric) float64 {
	switch m {
	case MetricLatency:
		return float64(s.Latency.Milliseconds())
	case MetricWait:
		return float64(s.Wait.Milliseconds())
	case MetricCompleted:
		if s.Success {
			return 1
		}
	case MetricFailed:
		if !s.Success {
			return 1
		}
	}
	return 0
}

// Level grades a passing result.
type Level string

const (
	LevelOK      Level = "ok"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Result is the outcome of one evaluation.
type Result struct {
	Passed bool    `json:"passed"`
	Value  float64 `json:"value"`
	Level  Level   `json:"level"`
	// NoData is set when there is nothing to compare yet; rules do not transition on it.
	NoData bool `json:"noData,omitempty"`
}

type reading struct {
	value float64
	set   bool
}

// Evaluator interprets one Condition over a rule window. It is not safe for concurrent use;
// Rule serialises calls.
type Evaluator struct {
	cond    Condition
	metric  window.Metric
	peak    *window.ZScore
	history *window.SlidingWindow[reading]
	shift   int
}

// NewEvaluator validates cond and builds the windowed state it needs.
func NewEvaluator(cond Condition, w window.Options) (*Evaluator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := cond.Validate(w); err != nil {
		return nil, err
	}
	e := &Evaluator{cond: cond}
	var err error
	switch cond.Kind {
	case KindThreshold:
		e.metric, err = window.NewMetric(cond.Threshold.Aggregation, w)
	case KindPeak:
		p := cond.Peak
		e.peak, err = window.NewZScore(w, window.ZScoreOptions{Lag: p.Lag, Threshold: p.Threshold, Influence: p.Influence})
	case KindChange:
		ch := cond.Change
		if e.metric, err = window.NewMetric(ch.Aggregation, w); err != nil {
			return nil, err
		}
		hw := w
		hw.Duration = ch.Shift + w.Period
		e.history, err = window.New(hw, func() reading { return reading{} })
		e.shift = int(ch.Shift / w.Period)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate feeds s and evaluates the condition.
func (e *Evaluator) Evaluate(s Sample) (Result, error) {
	switch e.cond.Kind {
	case KindThreshold:
		return e.threshold(s)
	case KindPeak:
		return e.peakSignal(s), nil
	case KindChange:
		return e.change(s)
	}
	return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, e.cond.Kind)
}

func (e *Evaluator) threshold(s Sample) (Result, error) {
	t := e.cond.Threshold
	e.metric.Update(s.value(t.Metric))
	v, ok := e.metric.Value()
	if !ok {
		return Result{NoData: true}, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return Result{}, err
	}
	res := Result{Value: v, Level: LevelOK}
	switch {
	case t.Operator.compare(d, t.Error):
		res.Passed, res.Level = true, LevelError
	case t.Warning != nil && t.Operator.compare(d, *t.Warning):
		res.Passed, res.Level = true, LevelWarning
	}
	return res, nil
}

func (e *Evaluator) peakSignal(s Sample) Result {
	p := e.cond.Peak
	sig := e.peak.Update(s.value(p.Metric))
	var passed bool
	switch p.Direction {
	case DirectionAbove:
		passed = sig.Direction > 0
	case DirectionBelow:
		passed = sig.Direction < 0
	default:
		passed = sig.Direction != 0
	}
	res := Result{Passed: passed, Value: sig.Z, Level: LevelOK}
	if passed {
		res.Level = LevelError
	}
	return res
}

func (e *Evaluator) change(s Sample) (Result, error) {
	ch := e.cond.Change
	e.metric.Update(s.value(ch.Metric))
	v, ok := e.metric.Value()
	if !ok {
		return Result{NoData: true}, nil
	}
	e.history.Update(func(reading) reading { return reading{value: v, set: true} })
	ref, _ := e.history.Get(e.shift)
	if !ref.set {
		return Result{NoData: true}, nil
	}

	cur, err := toDecimal(v)
	if err != nil {
		return Result{}, err
	}
	prev, err := toDecimal(ref.value)
	if err != nil {
		return Result{}, err
	}
	diff := cur.Sub(prev)
	if ch.ChangeType == ChangePercent {
		if prev.IsZero() {
			// no relative change from zero
			return Result{NoData: true}, nil
		}
		diff = diff.Div(prev.Abs()).Mul(hundred)
	}
	res := Result{Value: diff.InexactFloat64(), Level: LevelOK}
	if ch.Operator.compare(diff, ch.Threshold) {
		res.Passed, res.Level = true, LevelError
	}
	return res, nil
}

func toDecimal(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNonFinite, v)
	}
	return decimal.NewFromFloat(v), nil
}
