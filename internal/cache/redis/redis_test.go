package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewFromClient(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	l, err := lm.Acquire(ctx, "0xacct", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:0xacct"))

	_, err = lm.Acquire(ctx, "0xacct", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	l.Release()
	l.Release()
	assert.False(t, mr.Exists("lock:0xacct"))

	_, err = lm.Acquire(ctx, "0xacct", time.Minute)
	require.NoError(t, err)
}

func TestLeaseRefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l, err := NewLockManager(c).Acquire(ctx, "0xacct", time.Minute)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, time.Minute, mr.TTL("lock:0xacct"))
}

func TestLeaseRefreshAfterTakeover(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l, err := NewLockManager(c).Acquire(ctx, "0xacct", time.Minute)
	require.NoError(t, err)

	// Another instance owns the key now.
	require.NoError(t, mr.Set("lock:0xacct", "someone-else"))
	require.ErrorIs(t, l.Refresh(ctx), domain.ErrLockHeld)

	// Releasing a lost lease leaves the new owner's key alone.
	l.Release()
	got, err := mr.Get("lock:0xacct")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLeaseRefreshAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l, err := NewLockManager(c).Acquire(ctx, "0xacct", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, l.Refresh(ctx), domain.ErrLockHeld)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := range 2 {
		ok, err := rl.Allow(ctx, "orders:0xacct", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "orders:0xacct", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "orders:0xother", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "orders:0xacct", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "old requests slide out of the window")
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "polycopy:activity")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "polycopy:activity", []byte(`{"event_type":"executed"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"event_type":"executed"}`, string(msg))
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 3*time.Second, 10*time.Millisecond)
}
