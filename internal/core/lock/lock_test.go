package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis keeps idle pool connections open until the client is closed
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testKey = "primary:lock"

func newNode(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newLock(t *testing.T, clock clockwork.Clock, nodes ...goredis.UniversalClient) *Lock {
	t.Helper()
	l, err := New(nodes, Options{
		Key:       testKey,
		TTL:       10 * time.Second,
		RetryWait: time.Second,
		Clock:     clock,
	})
	require.NoError(t, err)
	return l
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func TestNew_Validates(t *testing.T) {
	_, client := newNode(t)

	_, err := New([]goredis.UniversalClient{client}, Options{})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(nil, Options{Key: testKey})
	require.ErrorIs(t, err, ErrInvalidOptions)

	for _, ratio := range []float64{0.5, 0.9, 1.5} {
		_, err = New([]goredis.UniversalClient{client}, Options{Key: testKey, RenewRatio: ratio})
		require.ErrorIs(t, err, ErrInvalidOptions, "ratio %v", ratio)
	}
	for _, ratio := range []float64{MinRenewRatio, DefaultRenewRatio, MaxRenewRatio} {
		_, err = New([]goredis.UniversalClient{client}, Options{Key: testKey, RenewRatio: ratio})
		require.NoError(t, err, "ratio %v", ratio)
	}
}

func TestLock_EveryObserverSeesTransitions(t *testing.T) {
	_, client := newNode(t)
	l := newLock(t, clockwork.NewFakeClock(), client)
	first, second := &stateLog{}, &stateLog{}
	l.OnChange(first.record)
	l.OnChange(second.record)

	ctx := context.Background()
	l.Start(ctx)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)
	l.Stop(ctx)

	assert.Equal(t, first.snapshot(), second.snapshot())
	assert.Contains(t, first.snapshot(), Owner)
}

func TestLock_AcquireRenewRelease(t *testing.T) {
	mr, client := newNode(t)
	clock := clockwork.NewFakeClock()
	l := newLock(t, clock, client)
	log := &stateLog{}
	l.OnChange(log.record)

	ctx := context.Background()
	l.Start(ctx)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)
	require.True(t, mr.Exists(testKey))

	blockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(7 * time.Second)

	// the renewed lease is still ours after the original TTL would have run out
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(4 * time.Second)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)

	l.Stop(ctx)
	l.Stop(ctx)
	assert.False(t, l.IsOwner())
	assert.False(t, mr.Exists(testKey))
	assert.Equal(t, []State{Acquiring, Owner, Unowned}, log.snapshot())
}

func TestLock_AtMostOneOwner(t *testing.T) {
	_, client := newNode(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	a := newLock(t, clock, client)
	b := newLock(t, clock, client)

	var both bool
	var mu sync.Mutex
	check := func(State) {
		mu.Lock()
		defer mu.Unlock()
		if a.State() == Owner && b.State() == Owner {
			both = true
		}
	}
	a.OnChange(check)
	b.OnChange(check)

	a.Start(ctx)
	require.Eventually(t, a.IsOwner, 2*time.Second, 5*time.Millisecond)
	b.Start(ctx)

	// a's renew timer and b's retry timer
	blockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 2))
	assert.False(t, b.IsOwner())
	assert.Equal(t, Acquiring, b.State())

	a.Stop(ctx)
	clock.Advance(time.Second)
	require.Eventually(t, b.IsOwner, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.IsOwner())

	b.Stop(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, both)
}

func TestLock_LostLeaseIsReleasedAndReacquired(t *testing.T) {
	mr, client := newNode(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	l := newLock(t, clock, client)
	log := &stateLog{}
	l.OnChange(log.record)

	l.Start(ctx)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)

	// another process took over after our lease lapsed in the store
	require.NoError(t, mr.Set(testKey, "someone-else"))

	blockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(7 * time.Second)

	require.Eventually(t, func() bool { return l.State() == Acquiring }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, l.IsOwner())
	assert.Equal(t, []State{Acquiring, Owner, Unowned, Acquiring}, log.snapshot())

	mr.Del(testKey)
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)

	l.Stop(ctx)
}

func TestLock_QuorumAcrossNodes(t *testing.T) {
	_, n1 := newNode(t)
	_, n2 := newNode(t)
	mr3, n3 := newNode(t)
	ctx := context.Background()

	// a minority node already holds a foreign value; the majority still grants the lease
	require.NoError(t, mr3.Set(testKey, "foreign"))

	l := newLock(t, clockwork.NewFakeClock(), n1, n2, n3)
	l.Start(ctx)
	require.Eventually(t, l.IsOwner, 2*time.Second, 5*time.Millisecond)
	l.Stop(ctx)
}
