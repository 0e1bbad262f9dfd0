package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncpool "github.com/go-redsync/redsync/v4/redis"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State is the local view of lock ownership.
type State int

const (
	Unowned State = iota
	Acquiring
	Owner
)

func (s State) String() string {
	switch s {
	case Unowned:
		return "unowned"
	case Acquiring:
		return "acquiring"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryWait  = 5 * time.Second
	DefaultRenewRatio = 0.7
)

// Bounds of RenewRatio, the fraction of the TTL after which the lease is renewed.
const (
	MinRenewRatio = 0.65
	MaxRenewRatio = 0.8
)

// ErrInvalidOptions is returned for an unusable lock configuration.
var ErrInvalidOptions = errors.New("lock: invalid options")

// Options configures a Lock.
type Options struct {
	Key        string
	TTL        time.Duration
	RetryWait  time.Duration
	RenewRatio float64
	// AttemptTimeout bounds a single acquire or renew round trip. Defaults to TTL/3.
	AttemptTimeout time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

func (o *Options) setDefaults() {
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryWait == 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.RenewRatio == 0 {
		o.RenewRatio = DefaultRenewRatio
	}
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = o.TTL / 3
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o Options) validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidOptions)
	}
	if o.TTL < 10*time.Millisecond {
		return fmt.Errorf("%w: ttl %s too short", ErrInvalidOptions, o.TTL)
	}
	if o.RetryWait <= 0 {
		return fmt.Errorf("%w: retry wait must be positive", ErrInvalidOptions)
	}
	if o.RenewRatio < MinRenewRatio || o.RenewRatio > MaxRenewRatio {
		return fmt.Errorf("%w: renew ratio %v must be in [%v, %v]", ErrInvalidOptions, o.RenewRatio, MinRenewRatio, MaxRenewRatio)
	}
	return nil
}

// Lock is a lease based leader election lock. One or more Redis nodes back the lease; with
// several nodes a majority must agree (Redlock).
//
// Ownership is advisory: writers poll IsOwner right before writing and tolerate a short
// window where two processes both believe they own the lease.
type Lock struct {
	opts   Options
	mutex  *redsync.Mutex
	clock  clockwork.Clock
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	leaseUntil time.Time
	timer      clockwork.Timer
	observers  []func(State)
	started    bool
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a lock over the given nodes.
func New(nodes []goredis.UniversalClient, opts Options) (*Lock, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: at least one node is required", ErrInvalidOptions)
	}
	pools := make([]redsyncpool.Pool, 0, len(nodes))
	for _, n := range nodes {
		pools = append(pools, redsyncgoredis.NewPool(n))
	}
	rs := redsync.New(pools...)
	return &Lock{
		opts:   opts,
		mutex:  rs.NewMutex(opts.Key, redsync.WithExpiry(opts.TTL), redsync.WithTries(1)),
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// OnChange registers an observer for state transitions. Observers run outside the lock's
// internal mutex and may call IsOwner.
func (l *Lock) OnChange(fn func(State)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// IsOwner reports whether this process currently holds the lease.
func (l *Lock) IsOwner() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == Owner && l.clock.Now().Before(l.leaseUntil)
}

// State returns the current state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.opts.Key }

// Start begins acquiring in the background. Calling Start again is a no-op.
func (l *Lock) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	notify := l.setStateLocked(Acquiring)
	l.wg.Add(1)
	l.mu.Unlock()

	notify()
	go func() {
		defer l.wg.Done()
		l.acquire()
	}()
}

// Stop cancels pending acquire and renew attempts, waits for a running one and releases the
// lease if held, ignoring errors. No attempt runs after Stop returns. Stop is idempotent.
func (l *Lock) Stop(ctx context.Context) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.wg.Wait()

	l.mu.Lock()
	wasOwner := l.state == Owner
	notify := l.setStateLocked(Unowned)
	l.mu.Unlock()

	if wasOwner {
		if _, err := l.mutex.UnlockContext(ctx); err != nil {
			l.logger.Debug("release failed", zap.String("key", l.opts.Key), zap.Error(err))
		} else {
			l.logger.Info("lock released", zap.String("key", l.opts.Key))
		}
	}
	notify()
}

func (l *Lock) acquire() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, l.opts.AttemptTimeout)
	started := l.clock.Now()
	err := l.mutex.LockContext(attemptCtx)
	cancel()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		if err == nil {
			// taken while stopping; give the lease back
			_, _ = l.mutex.UnlockContext(context.Background())
		}
		return
	}
	if err != nil {
		l.scheduleLocked(l.opts.RetryWait, l.acquire)
		l.mu.Unlock()
		l.logger.Debug("lock busy, retrying", zap.String("key", l.opts.Key), zap.Duration("retry_wait", l.opts.RetryWait), zap.Error(err))
		return
	}
	l.leaseUntil = started.Add(l.opts.TTL)
	notify := l.setStateLocked(Owner)
	l.scheduleLocked(l.renewDelay(), l.renew)
	l.mu.Unlock()

	l.logger.Info("lock acquired", zap.String("key", l.opts.Key), zap.Duration("ttl", l.opts.TTL))
	notify()
}

func (l *Lock) renew() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	if !l.clock.Now().Before(l.leaseUntil) {
		notify := l.loseLocked()
		l.mu.Unlock()
		l.logger.Warn("lease expired before renewal", zap.String("key", l.opts.Key))
		notify()
		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, l.opts.AttemptTimeout)
	started := l.clock.Now()
	ok, err := l.mutex.ExtendContext(attemptCtx)
	cancel()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	if err != nil || !ok {
		notify := l.loseLocked()
		l.mu.Unlock()
		l.logger.Warn("lease renewal failed", zap.String("key", l.opts.Key), zap.Error(err))
		notify()
		return
	}
	l.leaseUntil = started.Add(l.opts.TTL)
	l.scheduleLocked(l.renewDelay(), l.renew)
	l.mu.Unlock()
}

// loseLocked clears ownership, reports the release and schedules a new acquisition.
func (l *Lock) loseLocked() func() {
	released := l.setStateLocked(Unowned)
	acquiring := l.setStateLocked(Acquiring)
	l.scheduleLocked(l.opts.RetryWait, l.acquire)
	return func() {
		released()
		acquiring()
	}
}

func (l *Lock) renewDelay() time.Duration {
	return time.Duration(float64(l.opts.TTL) * l.opts.RenewRatio)
}

// scheduleLocked runs fn after d unless the lock is stopped first. Callers hold l.mu.
func (l *Lock) scheduleLocked(d time.Duration, fn func()) {
	l.timer = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		l.wg.Add(1)
		l.mu.Unlock()
		defer l.wg.Done()
		fn()
	})
}

// setStateLocked records a transition and returns a function that notifies observers. Callers
// hold l.mu and invoke the returned function after releasing it.
func (l *Lock) setStateLocked(next State) func() {
	if l.state == next {
		return func() {}
	}
	l.state = next
	observers := slices.Clone(l.observers)
	return func() {
		for _, fn := range observers {
			fn(next)
		}
	}
}
