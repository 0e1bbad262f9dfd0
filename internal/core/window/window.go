package window

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/timer"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrInvalidWindow is returned when a window is configured with a non-positive duration or
// period, or with a period longer than its duration.
var ErrInvalidWindow = errors.New("window: invalid duration or period")

// Options configures a SlidingWindow.
type Options struct {
	Duration time.Duration
	Period   time.Duration
	Clock    clockwork.Clock
	// StrictDrift stops the rotation timer when a tick arrives more than one period late
	// instead of realigning to the current time.
	StrictDrift bool
	Logger      *zap.Logger
}

// Validate checks the window geometry.
func (o Options) Validate() error {
	if o.Duration <= 0 || o.Period <= 0 {
		return fmt.Errorf("%w: duration=%s period=%s", ErrInvalidWindow, o.Duration, o.Period)
	}
	if o.Period > o.Duration {
		return fmt.Errorf("%w: period %s exceeds duration %s", ErrInvalidWindow, o.Period, o.Duration)
	}
	if o.Period < time.Millisecond {
		return fmt.Errorf("%w: period %s below 1ms", ErrInvalidWindow, o.Period)
	}
	return nil
}

// Capacity returns ceil(duration/period).
func (o Options) Capacity() int {
	n := o.Duration / o.Period
	if o.Duration%o.Period != 0 {
		n++
	}
	return int(n)
}

// Rotation is passed to rotation observers. Popped is the evicted bucket, still holding its
// data; Current is the fresh bucket that just became current.
type Rotation[T any] struct {
	Popped  T
	Current T
}

// SlidingWindow is a fixed-capacity ring of time buckets covering at least Duration.
//
// Buckets are aligned to multiples of Period since the Unix epoch. The ring rotates lazily on
// every access, catching up over every period that elapsed, and on an aligned timer once
// Start is called so observers see evictions even when no values arrive.
//
// A SlidingWindow is guarded by a single mutex. Observers run with that mutex held.
type SlidingWindow[T any] struct {
	mu sync.Mutex

	duration time.Duration
	period   time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	strict   bool

	buckets   []T
	idx       int
	slot      int64
	factory   func() T
	reset     func(T) T
	spare     *T
	observers []func(Rotation[T])
	ticker    *timer.Aligned
}

// New creates a window whose buckets are produced by factory.
func New[T any](opts Options, factory func() T) (*SlidingWindow[T], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: bucket factory is required", ErrInvalidWindow)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	capacity := opts.Capacity()
	w := &SlidingWindow[T]{
		duration: opts.Duration,
		period:   opts.Period,
		clock:    opts.Clock,
		logger:   opts.Logger,
		strict:   opts.StrictDrift,
		buckets:  make([]T, capacity),
		factory:  factory,
	}
	for i := range w.buckets {
		w.buckets[i] = factory()
	}
	w.slot = w.slotOf(w.clock.Now())
	return w, nil
}

// WithReset makes the window clear and reuse popped buckets instead of allocating new ones.
// reset runs after observers have seen the popped bucket.
func (w *SlidingWindow[T]) WithReset(reset func(T) T) *SlidingWindow[T] {
	w.mu.Lock()
	w.reset = reset
	w.mu.Unlock()
	return w
}

// OnRotate registers an observer fired on every rotation, oldest registration first.
func (w *SlidingWindow[T]) OnRotate(fn func(Rotation[T])) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

// Capacity returns the number of buckets.
func (w *SlidingWindow[T]) Capacity() int { return len(w.buckets) }

// Duration returns the configured lookback.
func (w *SlidingWindow[T]) Duration() time.Duration { return w.duration }

// Period returns the bucket width.
func (w *SlidingWindow[T]) Period() time.Duration { return w.period }

// Span returns the time covered by all buckets. Rounding the capacity up means the span can
// exceed Duration by up to one period.
func (w *SlidingWindow[T]) Span() time.Duration {
	return time.Duration(len(w.buckets)) * w.period
}

// Current returns the bucket for the active period.
func (w *SlidingWindow[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	return w.buckets[w.idx]
}

// Get returns the i-th newest bucket, 0 being the current one.
func (w *SlidingWindow[T]) Get(i int) (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	if i < 0 || i >= len(w.buckets) {
		var zero T
		return zero, false
	}
	return w.at(i), true
}

// Update replaces the current bucket with fn's result.
func (w *SlidingWindow[T]) Update(fn func(cur T) T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.idx] = fn(w.buckets[w.idx])
}

// Push forces one rotation and installs v as the current bucket.
func (w *SlidingWindow[T]) Push(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.rotate()
	w.slot++
	w.buckets[w.idx] = v
}

// All yields buckets from newest to oldest. The sequence is finite and can be ranged over
// any number of times; each range observes the window as of its start.
func (w *SlidingWindow[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		w.mu.Lock()
		w.advance()
		ordered := make([]T, len(w.buckets))
		for i := range ordered {
			ordered[i] = w.at(i)
		}
		w.mu.Unlock()

		for i, b := range ordered {
			if !yield(i, b) {
				return
			}
		}
	}
}

// Start begins timer driven rotation. Without Start the window still rotates on access.
func (w *SlidingWindow[T]) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		return nil
	}
	t, err := timer.NewAligned(w.period, w.tick, timer.Options{
		Clock:  w.clock,
		Strict: w.strict,
		Logger: w.logger,
	})
	if err != nil {
		return err
	}
	w.ticker = t
	t.Start()
	return nil
}

// Stop halts timer driven rotation. It is idempotent.
func (w *SlidingWindow[T]) Stop() {
	w.mu.Lock()
	t := w.ticker
	w.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Err reports a fatal drift of the rotation timer.
func (w *SlidingWindow[T]) Err() error {
	w.mu.Lock()
	t := w.ticker
	w.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Err()
}

func (w *SlidingWindow[T]) tick(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanceTo(w.slotOf(at))
}

func (w *SlidingWindow[T]) slotOf(t time.Time) int64 {
	return t.UnixMilli() / w.period.Milliseconds()
}

// advance rotates up to the clock's current slot. Callers hold w.mu.
func (w *SlidingWindow[T]) advance() {
	w.advanceTo(w.slotOf(w.clock.Now()))
}

func (w *SlidingWindow[T]) advanceTo(slot int64) {
	steps := slot - w.slot
	if steps <= 0 {
		return
	}
	if steps > int64(len(w.buckets)) {
		steps = int64(len(w.buckets))
	}
	for i := int64(0); i < steps; i++ {
		w.rotate()
	}
	w.slot = slot
}

func (w *SlidingWindow[T]) rotate() {
	next := (w.idx + 1) % len(w.buckets)
	popped := w.buckets[next]

	var fresh T
	if w.spare != nil {
		fresh = *w.spare
		w.spare = nil
	} else {
		fresh = w.factory()
	}
	w.buckets[next] = fresh
	w.idx = next

	r := Rotation[T]{Popped: popped, Current: fresh}
	for _, fn := range w.observers {
		fn(r)
	}
	if w.reset != nil {
		cleared := w.reset(popped)
		w.spare = &cleared
	}
}

// at returns the i-th newest bucket. Callers hold w.mu.
func (w *SlidingWindow[T]) at(i int) T {
	n := len(w.buckets)
	return w.buckets[(w.idx-i+n)%n]
}

// each visits every bucket newest first. Callers hold w.mu.
func (w *SlidingWindow[T]) each(fn func(T)) {
	for i := range w.buckets {
		fn(w.at(i))
	}
}
