package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aevon-lab/queuewatch/internal/config"
	"github.com/aevon-lab/queuewatch/internal/core/lock"
	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/core/writebuf"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/aevon-lab/queuewatch/internal/rules"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when starting a closed host.
var ErrClosed = errors.New("host: closed")

// Options is shared by every host of the process.
type Options struct {
	Stats   config.StatsConfig
	Lock    config.LockConfig
	CatchUp config.CatchUpConfig
	Seeds   []rules.Definition
	// Archive, when set, stores every consumed event and can serve catch-up.
	Archive jobevents.Archive
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Host monitors the queues of one Redis host. It owns the Redis connections, the host's
// leader lock, the shared write buffer and one QueueManager per queue.
type Host struct {
	name   string
	cfg    config.HostConfig
	opts   Options
	logger *zap.Logger

	client goredis.UniversalClient
	nodes  []goredis.UniversalClient
	lock   *lock.Lock
	buf    *writebuf.Buffer

	ownedOnce sync.Once
	owned     chan struct{}

	mu      sync.Mutex
	queues  map[string]*QueueManager
	order   []string
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	closed  bool
}

// New connects to the host's Redis and lock nodes and builds a QueueManager per queue.
// Nothing runs until Start.
func New(cfg config.HostConfig, opts Options) (*Host, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("host", cfg.Name))

	client, err := dial(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", cfg.Name, err)
	}
	h := &Host{
		name:   cfg.Name,
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		client: client,
		owned:  make(chan struct{}),
		queues: make(map[string]*QueueManager),
	}

	nodes := []goredis.UniversalClient{client}
	if len(cfg.LockNodes) > 0 {
		nodes = nodes[:0]
		for _, url := range cfg.LockNodes {
			n, err := dial(url)
			if err != nil {
				h.closeClients()
				return nil, fmt.Errorf("host %s lock node: %w", cfg.Name, err)
			}
			h.nodes = append(h.nodes, n)
			nodes = append(nodes, n)
		}
	}

	h.lock, err = lock.New(nodes, lock.Options{
		Key:        redis.LockKey(cfg.Name),
		TTL:        opts.Lock.TTL,
		RetryWait:  opts.Lock.RetryWait,
		RenewRatio: opts.Lock.RenewRatio,
		Clock:      opts.Clock,
		Logger:     logger.Named("lock"),
	})
	if err != nil {
		h.closeClients()
		return nil, fmt.Errorf("host %s: %w", cfg.Name, err)
	}
	h.lock.OnChange(h.lockChanged)

	h.buf = writebuf.New(client, h.lock, writebuf.Options{
		Name:     cfg.Name,
		Interval: opts.Stats.FlushInterval,
		Clock:    opts.Clock,
		Logger:   logger.Named("writebuf"),
		Metrics:  opts.Metrics,
	})

	for _, q := range cfg.Queues {
		qm, err := newQueueManager(h, q)
		if err != nil {
			h.closeClients()
			return nil, err
		}
		h.queues[q] = qm
		h.order = append(h.order, q)
	}
	return h, nil
}

func dial(url string) (goredis.UniversalClient, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(o), nil
}

func (h *Host) lockChanged(s lock.State) {
	owner := s == lock.Owner
	h.opts.Metrics.LockState(h.name, s.String(), owner)
	h.logger.Info("lock state changed", zap.Stringer("state", s))
	if owner {
		h.ownedOnce.Do(func() { close(h.owned) })
	}
}

// Name returns the configured host name.
func (h *Host) Name() string { return h.name }

// Client returns the host's Redis client.
func (h *Host) Client() goredis.UniversalClient { return h.client }

// Lock returns the host's leader lock.
func (h *Host) Lock() *lock.Lock { return h.lock }

// LockState returns the local view of the host lock.
func (h *Host) LockState() string { return h.lock.State().String() }

// Ping checks the Redis connection.
func (h *Host) Ping(ctx context.Context) error { return h.client.Ping(ctx).Err() }

// Queue returns the manager of a registered queue.
func (h *Host) Queue(name string) (*QueueManager, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	qm, ok := h.queues[name]
	return qm, ok
}

// Queues returns the registered queue managers in configuration order.
func (h *Host) Queues() []*QueueManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*QueueManager, 0, len(h.order))
	for _, q := range h.order {
		out = append(out, h.queues[q])
	}
	return out
}

func (h *Host) unregister(queue string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.queues[queue]; !ok {
		return
	}
	delete(h.queues, queue)
	h.order = slices.DeleteFunc(h.order, func(q string) bool { return q == queue })
}

// waitOwner blocks until this process first owns the host lock.
func (h *Host) waitOwner(ctx context.Context) error {
	select {
	case <-h.owned:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins lock acquisition and the flush loop, prepares every queue and runs their
// consumers in the background. A queue failing to start fails Start; Close still tears the
// host down.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	h.lock.Start(ctx)
	h.buf.Start(ctx)

	queues := h.Queues()
	prep := &errgroup.Group{}
	for _, qm := range queues {
		prep.Go(func() error { return qm.start(ctx) })
	}
	if err := prep.Wait(); err != nil {
		return fmt.Errorf("host %s: %w", h.name, err)
	}

	g := &errgroup.Group{}
	for _, qm := range queues {
		g.Go(func() error { return qm.run(ctx) })
	}
	h.mu.Lock()
	h.group = g
	h.mu.Unlock()

	h.logger.Info("host started", zap.Int("queues", len(queues)))
	return nil
}

// Close tears every queue down, performs the final buffer flush, releases the lock and
// closes the Redis connections. Close is idempotent.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel, g := h.cancel, h.group
	h.mu.Unlock()

	queues := h.Queues()
	for i := len(queues) - 1; i >= 0; i-- {
		queues[i].Close()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if g != nil {
		err = g.Wait()
	}
	h.buf.Stop(ctx)
	h.lock.Stop(ctx)
	h.closeClients()
	h.logger.Info("host closed")
	return err
}

func (h *Host) closeClients() {
	for _, n := range h.nodes {
		_ = n.Close()
	}
	_ = h.client.Close()
}
