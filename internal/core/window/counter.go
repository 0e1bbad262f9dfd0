package window

// Counter sums integer increments over the window. The total is maintained by subtracting each
// popped bucket, so reads and writes are O(1).
type Counter struct {
	w     *SlidingWindow[int64]
	total int64
}

// NewCounter creates a windowed counter.
func NewCounter(opts Options) (*Counter, error) {
	w, err := New(opts, func() int64 { return 0 })
	if err != nil {
		return nil, err
	}
	c := &Counter{w: w}
	w.OnRotate(func(r Rotation[int64]) { c.total -= r.Popped })
	return c, nil
}

// Inc adds n to the current bucket.
func (c *Counter) Inc(n int64) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.advance()
	c.w.buckets[c.w.idx] += n
	c.total += n
}

// Value returns the count over the live buckets.
func (c *Counter) Value() int64 {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.advance()
	return c.total
}

// Window exposes the underlying ring for inspection.
func (c *Counter) Window() *SlidingWindow[int64] { return c.w }

func (c *Counter) Start() error { return c.w.Start() }
func (c *Counter) Stop()        { c.w.Stop() }

// Sum accumulates float values over the window, together with their sample count.
type Sum struct {
	w     *SlidingWindow[sumCell]
	total sumCell
}

type sumCell struct {
	sum float64
	n   int64
}

// NewSum creates a windowed sum.
func NewSum(opts Options) (*Sum, error) {
	w, err := New(opts, func() sumCell { return sumCell{} })
	if err != nil {
		return nil, err
	}
	s := &Sum{w: w}
	w.OnRotate(func(r Rotation[sumCell]) {
		s.total.sum -= r.Popped.sum
		s.total.n -= r.Popped.n
	})
	return s, nil
}

// Add adds v to the current bucket.
func (s *Sum) Add(v float64) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.advance()
	cell := &s.w.buckets[s.w.idx]
	cell.sum += v
	cell.n++
	s.total.sum += v
	s.total.n++
}

// Value returns the sum over the live buckets.
func (s *Sum) Value() float64 {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.advance()
	if s.total.n == 0 {
		// drop accumulated rounding error once the window drains
		s.total.sum = 0
	}
	return s.total.sum
}

// Count returns the number of samples over the live buckets.
func (s *Sum) Count() int64 {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.advance()
	return s.total.n
}

// Mean returns the average of the live samples, false when the window is empty.
func (s *Sum) Mean() (float64, bool) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.advance()
	if s.total.n == 0 {
		return 0, false
	}
	return s.total.sum / float64(s.total.n), true
}

func (s *Sum) Start() error { return s.w.Start() }
func (s *Sum) Stop()        { s.w.Stop() }
