package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(t *testing.T, policy RatePolicy) (*RedisRateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRedisRateLimiter(client, "test:ratelimit:", map[string]RatePolicy{OperationBegin: policy})
	limiter.now = func() time.Time { return now }
	return limiter, mr, &now
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	limiter, mr, now := newTestRateLimiter(t, RatePolicy{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, OperationBegin, "user-1"))
	*now = now.Add(20 * time.Second)
	require.NoError(t, limiter.Allow(ctx, OperationBegin, "user-1"))
	assert.True(t, mr.Exists("test:ratelimit:begin:user-1"))

	*now = now.Add(10 * time.Second)
	err := limiter.Allow(ctx, OperationBegin, "user-1")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	var rateErr *domain.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	// The first admission at t=0 leaves the window at t=60; it is now t=30.
	assert.Equal(t, 30*time.Second, rateErr.RetryAfter)
	assert.Equal(t, OperationBegin, rateErr.Operation)

	// Other users have their own window.
	require.NoError(t, limiter.Allow(ctx, OperationBegin, "user-2"))

	// Refusals are not counted: once the first admission ages out one slot frees up.
	*now = now.Add(31 * time.Second)
	require.NoError(t, limiter.Allow(ctx, OperationBegin, "user-1"))
	assert.ErrorIs(t, limiter.Allow(ctx, OperationBegin, "user-1"), domain.ErrRateLimited)
}

func TestRedisRateLimiter_UnlimitedOperations(t *testing.T) {
	limiter, _, _ := newTestRateLimiter(t, RatePolicy{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "confirm", "user-1"))
	}
	require.NoError(t, limiter.Allow(ctx, OperationBegin, " "))

	disabled := NewRedisRateLimiter(nil, "", map[string]RatePolicy{OperationBegin: {Limit: 0, Window: time.Minute}})
	assert.NoError(t, disabled.Allow(ctx, OperationBegin, "user-1"))
}

func TestRedisRateLimiter_RedisFailure(t *testing.T) {
	limiter, mr, _ := newTestRateLimiter(t, RatePolicy{Limit: 1, Window: time.Minute})
	mr.Close()

	err := limiter.Allow(context.Background(), OperationBegin, "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
}
