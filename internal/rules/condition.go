package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/window"
	"github.com/shopspring/decimal"
)

// ErrInvalidCondition is returned when a condition cannot be evaluated as configured.
var ErrInvalidCondition = errors.New("rules: invalid condition")

// Kind tags the condition variant.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindPeak      Kind = "peak"
	KindChange    Kind = "change"
)

// Metric names a per-job value a condition observes.
type Metric string

const (
	MetricLatency   Metric = "latency"
	MetricWait      Metric = "wait"
	MetricCompleted Metric = "completed"
	MetricFailed    Metric = "failed"
)

func (m Metric) valid() bool {
	switch m {
	case MetricLatency, MetricWait, MetricCompleted, MetricFailed:
		return true
	}
	return false
}

// Operator compares a measured value with a threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

func (o Operator) valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

// compare reports whether v op threshold holds, using exact decimal arithmetic.
func (o Operator) compare(v, threshold decimal.Decimal) bool {
	c := v.Cmp(threshold)
	switch o {
	case OpGT:
		return c > 0
	case OpGTE:
		return c >= 0
	case OpLT:
		return c < 0
	case OpLTE:
		return c <= 0
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	}
	return false
}

// Direction selects which peaks a PeakCondition reacts to.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
	DirectionBoth  Direction = "both"
)

// ChangeType selects absolute or relative change.
type ChangeType string

const (
	ChangeValue   ChangeType = "value"
	ChangePercent ChangeType = "percent"
)

// Condition is a tagged union: exactly the field named by Kind is set.
type Condition struct {
	Kind      Kind                `json:"kind" yaml:"kind"`
	Threshold *ThresholdCondition `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Peak      *PeakCondition      `json:"peak,omitempty" yaml:"peak,omitempty"`
	Change    *ChangeCondition    `json:"change,omitempty" yaml:"change,omitempty"`
}

// ThresholdCondition passes when the windowed aggregation of Metric crosses Error, or Warning
// when set.
type ThresholdCondition struct {
	Metric      Metric           `json:"metric" yaml:"metric"`
	Aggregation string           `json:"aggregation" yaml:"aggregation"`
	Operator    Operator         `json:"operator" yaml:"operator"`
	Warning     *decimal.Decimal `json:"warning,omitempty" yaml:"warning,omitempty"`
	Error       decimal.Decimal  `json:"error" yaml:"error"`
}

// PeakCondition passes when a sample is a z-score peak over the rule window.
type PeakCondition struct {
	Metric    Metric    `json:"metric" yaml:"metric"`
	Lag       int       `json:"lag" yaml:"lag"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
	Influence float64   `json:"influence" yaml:"influence"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// ChangeCondition compares the windowed aggregation now with its value Shift ago.
type ChangeCondition struct {
	Metric      Metric          `json:"metric" yaml:"metric"`
	Aggregation string          `json:"aggregation" yaml:"aggregation"`
	Shift       time.Duration   `json:"shift" yaml:"shift"`
	ChangeType  ChangeType      `json:"changeType" yaml:"change_type"`
	Operator    Operator        `json:"operator" yaml:"operator"`
	Threshold   decimal.Decimal `json:"threshold" yaml:"threshold"`
}

// Validate checks the variant named by Kind. w is the rule window the condition runs over.
func (c Condition) Validate(w window.Options) error {
	switch c.Kind {
	case KindThreshold:
		t := c.Threshold
		if t == nil {
			return fmt.Errorf("%w: threshold condition has no body", ErrInvalidCondition)
		}
		if err := validMetric(t.Metric, t.Aggregation); err != nil {
			return err
		}
		if !t.Operator.valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, t.Operator)
		}
		if t.Warning != nil && t.Operator.compare(*t.Warning, t.Error) {
			return fmt.Errorf("%w: warning %s is past error %s", ErrInvalidCondition, t.Warning, t.Error)
		}
	case KindPeak:
		p := c.Peak
		if p == nil {
			return fmt.Errorf("%w: peak condition has no body", ErrInvalidCondition)
		}
		if !p.Metric.valid() {
			return fmt.Errorf("%w: unknown metric %q", ErrInvalidCondition, p.Metric)
		}
		if err := (window.ZScoreOptions{Lag: p.Lag, Threshold: p.Threshold, Influence: p.Influence}).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		switch p.Direction {
		case DirectionAbove, DirectionBelow, DirectionBoth, "":
		default:
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidCondition, p.Direction)
		}
	case KindChange:
		ch := c.Change
		if ch == nil {
			return fmt.Errorf("%w: change condition has no body", ErrInvalidCondition)
		}
		if err := validMetric(ch.Metric, ch.Aggregation); err != nil {
			return err
		}
		if !ch.Operator.valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, ch.Operator)
		}
		if ch.Shift < w.Period {
			return fmt.Errorf("%w: shift %s is shorter than the window period %s", ErrInvalidCondition, ch.Shift, w.Period)
		}
		switch ch.ChangeType {
		case ChangeValue, ChangePercent:
		default:
			return fmt.Errorf("%w: unknown change type %q", ErrInvalidCondition, ch.ChangeType)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, c.Kind)
	}
	return nil
}

func validMetric(m Metric, aggregation string) error {
	if !m.valid() {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidCondition, m)
	}
	if !window.ValidOperator(aggregation) {
		return fmt.Errorf("%w: unknown aggregation %q (one of %v)", ErrInvalidCondition, aggregation, window.OperatorNames())
	}
	return nil
}
