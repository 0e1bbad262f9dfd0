package window

import (
	"math"
	"time"
)

// Extremum tracks the maximum or minimum over the window.
//
// Updates are O(1). When the bucket holding the current extreme is popped the remaining
// buckets are rescanned. If nothing was recorded for longer than the window duration the
// extreme is reset to its sentinel instead of being reported stale.
type Extremum struct {
	w          *SlidingWindow[float64]
	sentinel   float64
	better     func(a, b float64) bool
	value      float64
	lastUpdate time.Time
}

// NewMax creates a windowed maximum.
func NewMax(opts Options) (*Extremum, error) {
	return newExtremum(opts, math.Inf(-1), func(a, b float64) bool { return a > b })
}

// NewMin creates a windowed minimum.
func NewMin(opts Options) (*Extremum, error) {
	return newExtremum(opts, math.Inf(1), func(a, b float64) bool { return a < b })
}

func newExtremum(opts Options, sentinel float64, better func(a, b float64) bool) (*Extremum, error) {
	w, err := New(opts, func() float64 { return sentinel })
	if err != nil {
		return nil, err
	}
	e := &Extremum{w: w, sentinel: sentinel, better: better, value: sentinel}
	w.OnRotate(func(r Rotation[float64]) {
		if r.Popped == e.value && e.value != e.sentinel {
			e.rescan()
		}
	})
	return e, nil
}

// Update records v in the current bucket.
func (e *Extremum) Update(v float64) {
	if math.IsNaN(v) {
		return
	}
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	e.w.advance()
	e.invalidateStale()
	if e.better(v, e.w.buckets[e.w.idx]) {
		e.w.buckets[e.w.idx] = v
	}
	if e.better(v, e.value) {
		e.value = v
	}
	e.lastUpdate = e.w.clock.Now()
}

// Value returns the extreme over the live buckets, false when there is none.
func (e *Extremum) Value() (float64, bool) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	e.w.advance()
	e.invalidateStale()
	return e.value, e.value != e.sentinel
}

func (e *Extremum) Start() error { return e.w.Start() }
func (e *Extremum) Stop()        { e.w.Stop() }

func (e *Extremum) invalidateStale() {
	if e.value == e.sentinel {
		return
	}
	if e.w.clock.Since(e.lastUpdate) > e.w.duration {
		e.value = e.sentinel
		for i := range e.w.buckets {
			e.w.buckets[i] = e.sentinel
		}
	}
}

// rescan recomputes the extreme from the live buckets. Callers hold e.w.mu.
func (e *Extremum) rescan() {
	e.value = e.sentinel
	e.w.each(func(b float64) {
		if e.better(b, e.value) {
			e.value = b
		}
	})
}
