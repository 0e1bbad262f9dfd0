package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrClockDrift is reported by a strict Aligned timer whose callback fired more than one
// interval after its scheduled boundary.
var ErrClockDrift = errors.New("timer: clock drift exceeded one interval")

// AlignDown returns the latest multiple of d since the Unix epoch that is not after t.
func AlignDown(t time.Time, d time.Duration) time.Time {
	ms := d.Milliseconds()
	if ms <= 0 {
		return t
	}
	at := t.UnixMilli()
	rem := at % ms
	if rem < 0 {
		rem += ms
	}
	return time.UnixMilli(at - rem).UTC()
}

// AlignUp returns the earliest multiple of d since the Unix epoch that is strictly after t.
func AlignUp(t time.Time, d time.Duration) time.Time {
	return AlignDown(t, d).Add(d)
}

// Options configures an Aligned timer.
type Options struct {
	Clock clockwork.Clock
	// Strict turns drift beyond one interval into a fatal condition instead of a realignment.
	Strict bool
	// OnFatal is called once when a strict timer stops because of drift.
	OnFatal func(error)
	Logger  *zap.Logger
}

// Aligned fires a callback at every multiple of its interval since the Unix epoch.
//
// Scheduling against absolute boundaries keeps long-running timers from accumulating the
// drift a relative delay loop would. The callback receives the boundary it was scheduled for.
type Aligned struct {
	clock    clockwork.Clock
	interval time.Duration
	strict   bool
	onFatal  func(error)
	logger   *zap.Logger
	fn       func(tick time.Time)

	mu      sync.Mutex
	timer   clockwork.Timer
	next    time.Time
	started bool
	stopped bool
	err     error
	running sync.WaitGroup
}

// NewAligned creates a stopped timer. Call Start to schedule the first boundary.
func NewAligned(interval time.Duration, fn func(tick time.Time), opts Options) (*Aligned, error) {
	if interval < time.Millisecond {
		return nil, fmt.Errorf("timer: interval must be >= 1ms, got %s", interval)
	}
	if fn == nil {
		return nil, errors.New("timer: callback is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aligned{
		clock:    opts.Clock,
		interval: interval,
		strict:   opts.Strict,
		onFatal:  opts.OnFatal,
		logger:   opts.Logger,
		fn:       fn,
	}, nil
}

// Interval returns the tick interval.
func (a *Aligned) Interval() time.Duration { return a.interval }

// Start schedules the next boundary. Starting twice is a no-op.
func (a *Aligned) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.scheduleLocked(AlignUp(a.clock.Now(), a.interval))
}

// Stop cancels the timer and waits for a running callback to return. After Stop returns the
// callback will not run again. Stop is idempotent and must not be called from the callback.
func (a *Aligned) Stop() {
	a.mu.Lock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.running.Wait()
}

// Err returns ErrClockDrift once a strict timer has stopped because of drift.
func (a *Aligned) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Aligned) scheduleLocked(at time.Time) {
	a.next = at
	delay := at.Sub(a.clock.Now())
	if delay < 0 {
		delay = 0
	}
	a.timer = a.clock.AfterFunc(delay, a.fire)
}

func (a *Aligned) fire() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	now := a.clock.Now()
	tick := a.next
	if drift := now.Sub(tick); drift > a.interval {
		if a.strict {
			a.err = fmt.Errorf("%w: scheduled %s, fired %s", ErrClockDrift, tick.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
			a.stopped = true
			err := a.err
			a.mu.Unlock()
			a.logger.Error("aligned timer stopped on clock drift",
				zap.Duration("interval", a.interval),
				zap.Duration("drift", drift),
			)
			if a.onFatal != nil {
				a.onFatal(err)
			}
			return
		}
		a.logger.Warn("aligned timer drifted, realigning",
			zap.Duration("interval", a.interval),
			zap.Duration("drift", drift),
		)
		tick = AlignDown(now, a.interval)
	}
	a.running.Add(1)
	a.mu.Unlock()

	a.fn(tick)
	a.running.Done()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stopped {
		a.scheduleLocked(tick.Add(a.interval))
	}
}
