package window

import (
	"fmt"
	"math"
)

// Signal is the outcome of a peak detector update.
type Signal struct {
	// Direction is +1 for a peak above the mean, -1 below, 0 for no signal.
	Direction int
	Z         float64
	Mean      float64
	StdDev    float64
}

// ZScoreOptions tunes the peak detector.
type ZScoreOptions struct {
	// Lag is the number of samples required before signals are raised.
	Lag int
	// Threshold is the number of standard deviations a sample must deviate to signal.
	Threshold float64
	// Influence in [0, 1] weights a signaling sample in the running baseline.
	Influence float64
}

// Validate checks the detector parameters.
func (o ZScoreOptions) Validate() error {
	if o.Lag < 0 {
		return fmt.Errorf("%w: lag %d must be >= 0", ErrInvalidWindow, o.Lag)
	}
	if o.Threshold <= 0 {
		return fmt.Errorf("%w: threshold %v must be > 0", ErrInvalidWindow, o.Threshold)
	}
	if o.Influence < 0 || o.Influence > 1 {
		return fmt.Errorf("%w: influence %v must be in [0, 1]", ErrInvalidWindow, o.Influence)
	}
	return nil
}

// moments are Welford running statistics for one bucket or for the whole window.
type moments struct {
	n    int64
	mean float64
	m2   float64
}

func (m *moments) add(x float64) {
	m.n++
	d := x - m.mean
	m.mean += d / float64(m.n)
	m.m2 += d * (x - m.mean)
}

// remove takes the samples summarised by b out of m.
func (m *moments) remove(b moments) {
	if b.n == 0 {
		return
	}
	n := m.n - b.n
	if n <= 0 {
		*m = moments{}
		return
	}
	mean := (float64(m.n)*m.mean - float64(b.n)*b.mean) / float64(n)
	d := b.mean - mean
	m2 := m.m2 - b.m2 - d*d*float64(n)*float64(b.n)/float64(m.n)
	if m2 < 0 {
		m2 = 0
	}
	*m = moments{n: n, mean: mean, m2: m2}
}

func (m moments) stddev() float64 {
	if m.n == 0 {
		return 0
	}
	return math.Sqrt(m.m2 / float64(m.n))
}

// ZScore is a streaming peak detector over the window: a smoothed z-score with lag, threshold
// and influence.
type ZScore struct {
	w     *SlidingWindow[moments]
	opts  ZScoreOptions
	total moments
	last  float64
}

// NewZScore creates a peak detector.
func NewZScore(opts Options, z ZScoreOptions) (*ZScore, error) {
	if err := z.Validate(); err != nil {
		return nil, err
	}
	w, err := New(opts, func() moments { return moments{} })
	if err != nil {
		return nil, err
	}
	d := &ZScore{w: w, opts: z}
	w.OnRotate(func(r Rotation[moments]) { d.total.remove(r.Popped) })
	return d, nil
}

// Update feeds v and reports whether it is a peak.
func (d *ZScore) Update(v float64) Signal {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	d.w.advance()

	mean, sd := d.total.mean, d.total.stddev()
	if d.total.n < int64(d.opts.Lag) {
		d.absorb(v)
		d.last = v
		return Signal{Mean: mean, StdDev: sd}
	}

	sig := Signal{Mean: mean, StdDev: sd}
	if sd > 0 {
		sig.Z = (v - mean) / sd
	}
	if math.Abs(v-mean) > d.opts.Threshold*sd {
		if v > mean {
			sig.Direction = 1
		} else {
			sig.Direction = -1
		}
		weighted := d.opts.Influence*v + (1-d.opts.Influence)*d.last
		d.absorb(weighted)
		d.last = weighted
		return sig
	}
	d.absorb(v)
	d.last = v
	return sig
}

// Stats returns the running mean, standard deviation and sample count.
func (d *ZScore) Stats() (mean, stddev float64, n int64) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	d.w.advance()
	return d.total.mean, d.total.stddev(), d.total.n
}

func (d *ZScore) Start() error { return d.w.Start() }
func (d *ZScore) Stop()        { d.w.Stop() }

func (d *ZScore) absorb(v float64) {
	d.w.buckets[d.w.idx].add(v)
	d.total.add(v)
}
