package window

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultRelativeAccuracy is the sketch error bound used when none is configured.
const DefaultRelativeAccuracy = 0.01

// Quantile estimates quantiles over the window with DDSketch.
//
// Every bucket owns a sketch and a running accumulator holds the union of all live buckets.
// Evicting a bucket subtracts its per-bin counts from the accumulator, which requires every
// sketch to share one index mapping, hence one relative accuracy.
type Quantile struct {
	w        *SlidingWindow[*ddsketch.DDSketch]
	acc      *ddsketch.DDSketch
	accuracy float64
	floor    float64
}

// NewQuantile creates a windowed quantile sketch. accuracy <= 0 selects DefaultRelativeAccuracy.
func NewQuantile(opts Options, accuracy float64) (*Quantile, error) {
	if accuracy <= 0 {
		accuracy = DefaultRelativeAccuracy
	}
	if accuracy >= 1 {
		return nil, fmt.Errorf("%w: relative accuracy %v must be in (0, 1)", ErrInvalidWindow, accuracy)
	}
	acc, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, fmt.Errorf("create sketch: %w", err)
	}
	factory := func() *ddsketch.DDSketch {
		// accuracy was validated above.
		s, _ := ddsketch.NewDefaultDDSketch(accuracy)
		return s
	}
	w, err := New(opts, factory)
	if err != nil {
		return nil, err
	}
	w.WithReset(func(s *ddsketch.DDSketch) *ddsketch.DDSketch {
		s.Clear()
		return s
	})

	q := &Quantile{w: w, acc: acc, accuracy: accuracy, floor: acc.MinIndexableValue()}
	w.OnRotate(func(r Rotation[*ddsketch.DDSketch]) { q.subtract(r.Popped) })
	return q, nil
}

// Add records v. Negative values are rejected; values below the smallest indexable value are
// recorded as that value so every sample lands in a bin that can later be subtracted.
func (q *Quantile) Add(v float64) error {
	if v < 0 {
		return fmt.Errorf("window: negative sample %v", v)
	}
	if v < q.floor {
		v = q.floor
	}
	q.w.mu.Lock()
	defer q.w.mu.Unlock()
	q.w.advance()
	if err := q.w.buckets[q.w.idx].Add(v); err != nil {
		return fmt.Errorf("add sample: %w", err)
	}
	return q.acc.Add(v)
}

// Quantile returns the estimate for q in [0, 1], false when the window is empty.
func (q *Quantile) Quantile(p float64) (float64, bool) {
	q.w.mu.Lock()
	defer q.w.mu.Unlock()
	q.w.advance()
	if q.acc.IsEmpty() {
		return 0, false
	}
	v, err := q.acc.GetValueAtQuantile(p)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Count returns the number of live samples.
func (q *Quantile) Count() int64 {
	q.w.mu.Lock()
	defer q.w.mu.Unlock()
	q.w.advance()
	return int64(q.acc.GetCount())
}

// RelativeAccuracy returns the sketch error bound.
func (q *Quantile) RelativeAccuracy() float64 { return q.accuracy }

func (q *Quantile) Start() error { return q.w.Start() }
func (q *Quantile) Stop()        { q.w.Stop() }

func (q *Quantile) subtract(popped *ddsketch.DDSketch) {
	if popped.IsEmpty() {
		return
	}
	store := q.acc.GetPositiveValueStore()
	popped.GetPositiveValueStore().ForEach(func(index int, count float64) bool {
		store.AddWithCount(index, -count)
		return false
	})
	if store.IsEmpty() || store.TotalCount() <= 0 {
		q.acc.Clear()
	}
}
