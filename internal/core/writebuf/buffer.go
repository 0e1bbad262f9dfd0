package writebuf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Owner reports whether this process may write. *lock.Lock satisfies it.
type Owner interface {
	IsOwner() bool
}

// Options configures a Buffer.
type Options struct {
	// Name labels metrics and logs, usually the host name.
	Name     string
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

const DefaultInterval = time.Second

// Buffer coalesces logical write operations and flushes them in one MULTI/EXEC when this
// process owns the write lock.
//
// Within a flush, deletes run first. A Del discards operations buffered earlier for the same
// key, so ops buffered after it still apply after the DEL.
type Buffer struct {
	client goredis.UniversalClient
	owner  Owner
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	pending *batch

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type zmember struct {
	score  float64
	member string
}

type batch struct {
	del   map[string]struct{}
	incr  map[string]int64
	hincr map[string]map[string]int64
	set   map[string]any
	hset  map[string]map[string]any
	zadd  map[string][]zmember
	ops   int
}

func newBatch() *batch {
	return &batch{
		del:   map[string]struct{}{},
		incr:  map[string]int64{},
		hincr: map[string]map[string]int64{},
		set:   map[string]any{},
		hset:  map[string]map[string]any{},
		zadd:  map[string][]zmember{},
	}
}

// New creates a buffer writing through client when owner reports ownership.
func New(client goredis.UniversalClient, owner Owner, opts Options) *Buffer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Buffer{client: client, owner: owner, opts: opts, logger: opts.Logger, pending: newBatch()}
}

// Incr adds n to key.
func (b *Buffer) Incr(key string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.incr[key] += n
	b.pending.ops++
}

// HIncr adds n to field of hash key. Increments of the same field are summed.
func (b *Buffer) HIncr(key, field string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.pending.hincr[key]
	if !ok {
		fields = map[string]int64{}
		b.pending.hincr[key] = fields
	}
	fields[field] += n
	b.pending.ops++
}

// Set stores value at key. The last Set of a flush cycle wins.
func (b *Buffer) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.set[key] = value
	b.pending.ops++
}

// HSet stores value in field of hash key. The last HSet of a field wins.
func (b *Buffer) HSet(key, field string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.pending.hset[key]
	if !ok {
		fields = map[string]any{}
		b.pending.hset[key] = fields
	}
	fields[field] = value
	b.pending.ops++
}

// ZAdd appends member with score to sorted set key.
func (b *Buffer) ZAdd(key string, score float64, member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.zadd[key] = append(b.pending.zadd[key], zmember{score: score, member: member})
	b.pending.ops++
}

// Del deletes key, discarding operations buffered for it so far.
func (b *Buffer) Del(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	delete(p.incr, key)
	delete(p.hincr, key)
	delete(p.set, key)
	delete(p.hset, key)
	delete(p.zadd, key)
	p.del[key] = struct{}{}
	p.ops++
}

// Len returns the number of logical operations buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.ops
}

// Flush writes the buffered operations in one transaction and clears the buffer whatever the
// outcome. When this process is not the lock owner the operations are discarded.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	p := b.pending
	b.pending = newBatch()
	b.mu.Unlock()
	b.opts.Metrics.Pending(b.opts.Name, 0)

	if p.ops == 0 {
		return nil
	}
	if !b.owner.IsOwner() {
		b.opts.Metrics.Flush(b.opts.Name, "dropped")
		b.logger.Debug("not lock owner, dropping buffered writes", zap.Int("ops", p.ops))
		return nil
	}

	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		p.apply(ctx, pipe)
		return nil
	})
	if err != nil {
		b.opts.Metrics.Flush(b.opts.Name, "error")
		b.logger.Error("flush failed, dropping buffered writes", zap.Int("ops", p.ops), zap.Error(err))
		return fmt.Errorf("flush %d ops: %w", p.ops, err)
	}
	b.opts.Metrics.Flush(b.opts.Name, "ok")
	return nil
}

func (p *batch) apply(ctx context.Context, pipe goredis.Pipeliner) {
	if len(p.del) > 0 {
		pipe.Del(ctx, sortedKeys(p.del)...)
	}
	for _, key := range sortedKeys(p.incr) {
		pipe.IncrBy(ctx, key, p.incr[key])
	}
	for _, key := range sortedKeys(p.hincr) {
		fields := p.hincr[key]
		for _, f := range sortedKeys(fields) {
			pipe.HIncrBy(ctx, key, f, fields[f])
		}
	}
	for _, key := range sortedKeys(p.set) {
		pipe.Set(ctx, key, p.set[key], 0)
	}
	for _, key := range sortedKeys(p.hset) {
		fields := p.hset[key]
		values := make([]any, 0, 2*len(fields))
		for _, f := range sortedKeys(fields) {
			values = append(values, f, fields[f])
		}
		pipe.HSet(ctx, key, values...)
	}
	for _, key := range sortedKeys(p.zadd) {
		members := make([]goredis.Z, 0, len(p.zadd[key]))
		for _, m := range p.zadd[key] {
			members = append(members, goredis.Z{Score: m.score, Member: m.member})
		}
		pipe.ZAdd(ctx, key, members...)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Start flushes on a fixed tick until Stop. Calling Start again is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	b.loopMu.Lock()
	defer b.loopMu.Unlock()
	if b.done != nil || b.stopped {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
}

func (b *Buffer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := b.opts.Clock.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.opts.Metrics.Pending(b.opts.Name, b.Len())
			if err := b.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the flush loop and performs a final flush, which only writes if this process is
// still the lock owner. Nothing is written by the buffer after Stop returns. Stop is idempotent.
func (b *Buffer) Stop(ctx context.Context) {
	b.loopMu.Lock()
	if b.stopped {
		b.loopMu.Unlock()
		return
	}
	b.stopped = true
	cancel, done := b.cancel, b.done
	b.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("final flush failed", zap.Error(err))
	}
}
