package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiterTest(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, cfg), mr
}

func TestLoginBudget(t *testing.T) {
	l, mr := newLimiterTest(t, Config{
		EnableLoginThrottle:   true,
		MaxLoginAttempts:      3,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckLogin(ctx, "alice", ""))
		require.NoError(t, l.IncrementLogin(ctx, "alice", ""))
	}
	assert.ErrorIs(t, l.CheckLogin(ctx, "alice", ""), ErrRateLimited)
	assert.NoError(t, l.CheckLogin(ctx, "bob", ""))

	n, err := l.LoginAttempts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, l.CheckLogin(ctx, "alice", ""))
}

func TestLoginResetKeepsIPCounter(t *testing.T) {
	l, _ := newLimiterTest(t, Config{
		EnableLoginThrottle:   true,
		EnableIPThrottle:      true,
		MaxLoginAttempts:      2,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, l.IncrementLogin(ctx, "alice", "198.51.100.7"))
	require.NoError(t, l.IncrementLogin(ctx, "alice", "198.51.100.7"))
	require.NoError(t, l.ResetLogin(ctx, "alice"))

	assert.ErrorIs(t, l.CheckLogin(ctx, "alice", "198.51.100.7"), ErrRateLimited)
	assert.NoError(t, l.CheckLogin(ctx, "alice", "203.0.113.1"))
}

func TestRefreshBudget(t *testing.T) {
	l, _ := newLimiterTest(t, Config{
		EnableRefreshThrottle:   true,
		MaxRefreshAttempts:      2,
		RefreshCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, l.CheckRefresh(ctx, "s-1"))
	require.NoError(t, l.CheckRefresh(ctx, "s-1"))
	assert.ErrorIs(t, l.CheckRefresh(ctx, "s-1"), ErrRateLimited)
	assert.NoError(t, l.CheckRefresh(ctx, "s-2"))
}

func TestDisabledThrottlesNeverTouchRedis(t *testing.T) {
	l, mr := newLimiterTest(t, Config{})
	mr.Close()
	ctx := context.Background()

	assert.NoError(t, l.CheckLogin(ctx, "alice", ""))
	assert.NoError(t, l.IncrementLogin(ctx, "alice", ""))
	assert.NoError(t, l.CheckRefresh(ctx, "s-1"))
}

func TestRedisDown(t *testing.T) {
	l, mr := newLimiterTest(t, Config{EnableLoginThrottle: true, MaxLoginAttempts: 1, LoginCooldownDuration: time.Minute})
	mr.Close()

	assert.ErrorIs(t, l.CheckLogin(context.Background(), "alice", ""), ErrRedisUnavailable)
}
