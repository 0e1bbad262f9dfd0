package jobevents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize  = 500
	defaultRetryDelay = time.Second
)

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Host  string
	Queue string
	// From is the offset to resume after. The zero offset reads from the start of the source.
	From      Offset
	BatchSize int
	// Archive, when set, receives every batch before it is dispatched.
	Archive    Archive
	RetryDelay time.Duration
	Clock      clockwork.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Consumer reads a Source in order, feeds a Tracker and publishes on a Bus.
type Consumer struct {
	source  Source
	tracker *Tracker
	bus     *Bus
	opts    ConsumerOptions
	logger  *zap.Logger

	mu     sync.Mutex
	offset Offset
}

func NewConsumer(source Source, tracker *Tracker, bus *Bus, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tracker.OnDrop(func(e Event, reason string) {
		opts.Metrics.Dropped(opts.Host, opts.Queue, reason)
	})
	return &Consumer{
		source:  source,
		tracker: tracker,
		bus:     bus,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("queue", opts.Queue)),
		offset:  opts.From,
	}
}

// Offset returns the offset of the last dispatched event.
func (c *Consumer) Offset() Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Run consumes until ctx is done. Read errors are logged and retried after a delay.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("reading job events failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-c.opts.Clock.After(c.opts.RetryDelay):
			}
			continue
		}
		if n == 0 && !blocks(c.source) {
			select {
			case <-ctx.Done():
				return nil
			case <-c.opts.Clock.After(c.opts.RetryDelay):
			}
		}
	}
}

// Poll reads and dispatches one batch and returns how many events it held.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	events, err := c.source.Read(ctx, c.Offset(), c.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if c.opts.Archive != nil {
		if err := c.opts.Archive.Save(ctx, c.opts.Host, events); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("archiving job events failed", zap.Int("events", len(events)), zap.Error(err))
		}
	}
	for _, e := range events {
		c.Dispatch(e)
	}
	return len(events), nil
}

// Dispatch pushes one event through the tracker and the bus.
func (c *Consumer) Dispatch(e Event) {
	c.bus.PublishEvent(e)
	if f, ok := c.tracker.Observe(e); ok {
		c.bus.PublishFinished(f)
	}
	c.mu.Lock()
	if c.offset.Less(e.Offset) {
		c.offset = e.Offset
	}
	c.mu.Unlock()
}

// blocks reports whether src already waits for new entries inside Read.
func blocks(src Source) bool {
	b, ok := src.(interface{ Blocks() bool })
	return ok && b.Blocks()
}
