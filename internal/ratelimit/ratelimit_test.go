package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/linkgate/linkgate/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter is an in-memory [ratelimit.CounterStore] with manual clock
// control over expiry.
type fakeCounter struct {
	mu       sync.Mutex
	counts   map[string]int64
	ttls     map[string]time.Duration
	incrErr  error
	expirErr error
}

func newFakeCounter() (c *fakeCounter) {
	return &fakeCounter{
		counts: map[string]int64{},
		ttls:   map[string]time.Duration{},
	}
}

// Incr implements the [ratelimit.CounterStore] interface for *fakeCounter.
func (c *fakeCounter) Incr(_ context.Context, key string) (n int64, err error) {
	if c.incrErr != nil {
		return 0, c.incrErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[key]++

	return c.counts[key], nil
}

// Expire implements the [ratelimit.CounterStore] interface for *fakeCounter.
func (c *fakeCounter) Expire(_ context.Context, key string, ttl time.Duration) (err error) {
	if c.expirErr != nil {
		return c.expirErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ttls[key] = ttl

	return nil
}

// expire simulates the window elapsing for every counter.
func (c *fakeCounter) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts = map[string]int64{}
	c.ttls = map[string]time.Duration{}
}

func TestFixedWindow_Admit(t *testing.T) {
	t.Parallel()

	const (
		ip     = "192.0.2.1"
		limit  = 3
		window = time.Minute
	)

	store := newFakeCounter()
	l := ratelimit.NewFixedWindow(store)
	ctx := context.Background()

	for i := range limit {
		ok, err := l.Admit(ctx, ip, limit, window)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within the budget", i+1)
	}

	// Exactly the (limit+1)th call is denied.
	ok, err := l.Admit(ctx, ip, limit, window)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different source has its own budget.
	ok, err = l.Admit(ctx, "198.51.100.1", limit, window)
	require.NoError(t, err)
	assert.True(t, ok)

	// After the window elapses, the counter resets.
	store.expire()

	ok, err = l.Admit(ctx, ip, limit, window)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, window, store.ttls["limiter:"+ip])
}

func TestFixedWindow_Admit_storeFailure(t *testing.T) {
	t.Parallel()

	store := newFakeCounter()
	store.incrErr = errors.Error("store unreachable")

	l := ratelimit.NewFixedWindow(store)

	ok, err := l.Admit(context.Background(), "192.0.2.1", 5, time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.incrErr)
}

func TestLocal_Admit(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewLocal(slogutil.NewDiscardLogger())
	ctx := context.Background()

	const (
		ip    = "192.0.2.1"
		limit = 2
	)

	for range limit {
		ok, err := l.Admit(ctx, ip, limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.Admit(ctx, ip, limit, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
