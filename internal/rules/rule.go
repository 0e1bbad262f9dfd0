package rules

import (
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/core/window"
	"github.com/jonboulle/clockwork"
)

// State of a rule.
type State string

const (
	StateValid     State = "valid"
	StateTriggered State = "triggered"
)

// Transition is emitted when a rule raises an alert.
type Transition struct {
	RuleID string
	Name   string
	Queue  string
	Kind   redis.AlertKind
	// Start is when the rule entered the triggered state.
	Start  time.Time
	At     time.Time
	Result Result
	// Alerts counts alert-triggered transitions since Start, this one included.
	Alerts int
}

type evaluator interface {
	Evaluate(Sample) (Result, error)
}

// Rule is the VALID/TRIGGERED state machine of one definition.
//
// Every evaluated sample first feeds the volume counter and the condition. While the rule
// warms up or the volume counter is below the threshold nothing changes state. A passing
// result triggers: on entering TRIGGERED the alert count resets and an optional debounce timer
// starts, and past the debounce an alert is emitted while the count is below
// RepeatsPerTrigger (0 means unlimited). A failing result resets to VALID, cancelling the
// debounce, and emits a reset alert only when AlertOnReset is set.
//
// emit is called with the rule lock held and must not call back into the rule.
type Rule struct {
	def   Definition
	clock clockwork.Clock
	emit  func(Transition)

	mu          sync.Mutex
	eval        evaluator
	volume      *window.Counter
	startedAt   time.Time
	state       State
	alerts      int
	triggeredAt time.Time
	debounce    clockwork.Timer
	debouncing  bool
	last        Result
	closed      bool
}

// NewRule builds a rule from a validated definition. Warmup counts from now.
func NewRule(def Definition, clock clockwork.Clock, emit func(Transition)) (*Rule, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts := def.WindowOptions()
	opts.Clock = clock
	eval, err := NewEvaluator(def.Condition, opts)
	if err != nil {
		return nil, err
	}
	return newRule(def, eval, clock, emit, opts)
}

func newRule(def Definition, eval evaluator, clock clockwork.Clock, emit func(Transition), opts window.Options) (*Rule, error) {
	r := &Rule{
		def:       def,
		clock:     clock,
		emit:      emit,
		eval:      eval,
		startedAt: clock.Now(),
		state:     StateValid,
	}
	if def.VolumeThreshold > 0 {
		c, err := window.NewCounter(opts)
		if err != nil {
			return nil, err
		}
		r.volume = c
	}
	if r.emit == nil {
		r.emit = func(Transition) {}
	}
	return r, nil
}

// Definition returns the definition the rule was built from.
func (r *Rule) Definition() Definition { return r.def }

// State returns the current state.
func (r *Rule) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Evaluate processes one sample. Samples of other job types are ignored. Evaluation errors
// leave the state untouched and are returned to the caller.
func (r *Rule) Evaluate(s Sample) error {
	if r.def.JobType != "" && s.JobName != r.def.JobType {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.volume != nil {
		r.volume.Inc(1)
	}
	res, err := r.eval.Evaluate(s)
	if err != nil {
		return err
	}
	if res.NoData || r.skipCheck() {
		return nil
	}
	r.last = res
	if res.Passed {
		r.trigger()
	} else {
		r.reset()
	}
	return nil
}

func (r *Rule) skipCheck() bool {
	if r.clock.Since(r.startedAt) < r.def.Warmup {
		return true
	}
	return r.volume != nil && r.volume.Value() < r.def.VolumeThreshold
}

func (r *Rule) trigger() {
	if r.state == StateValid {
		r.state = StateTriggered
		r.alerts = 0
		r.triggeredAt = r.clock.Now()
		if r.def.TriggerDelay > 0 {
			r.debouncing = true
			r.debounce = r.clock.AfterFunc(r.def.TriggerDelay, r.debounced)
		}
	}
	if r.debouncing {
		return
	}
	r.alert()
}

// debounced fires once the condition held for the whole trigger delay; a failing result in
// between would have reset the rule and stopped the timer.
func (r *Rule) debounced() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.state != StateTriggered || !r.debouncing {
		return
	}
	r.debouncing = false
	r.alert()
}

func (r *Rule) alert() {
	if r.def.RepeatsPerTrigger == 0 || r.alerts < r.def.RepeatsPerTrigger {
		r.emit(r.transition(redis.AlertTriggered, r.alerts+1))
	}
	r.alerts++
}

func (r *Rule) reset() {
	if r.state != StateTriggered {
		return
	}
	r.state = StateValid
	r.stopDebounce()
	alerts := r.alerts
	r.alerts = 0
	if r.def.AlertOnReset {
		r.emit(r.transition(redis.AlertReset, alerts))
	}
}

func (r *Rule) transition(kind redis.AlertKind, alerts int) Transition {
	return Transition{
		RuleID: r.def.ID,
		Name:   r.def.Name,
		Queue:  r.def.Queue,
		Kind:   kind,
		Start:  r.triggeredAt,
		At:     r.clock.Now(),
		Result: r.last,
		Alerts: alerts,
	}
}

func (r *Rule) stopDebounce() {
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.debouncing = false
}

// Close stops the debounce timer. A closed rule ignores further samples.
func (r *Rule) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopDebounce()
}
