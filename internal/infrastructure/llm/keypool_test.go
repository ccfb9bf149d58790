package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable-weaver-api/internal/config"
	apperrors "fable-weaver-api/pkg/errors"
)

func newTestPool(n int, cooldownBase, cooldownMax, maxWait time.Duration) *Pool {
	cfg := &config.LLMConfig{}
	for i := 0; i < n; i++ {
		cfg.Credentials = append(cfg.Credentials, config.CredentialConfig{
			Key:        "sk-test",
			QuotaGroup: "default",
		})
	}
	cfg.Resilience.CooldownBase = cooldownBase
	cfg.Resilience.CooldownMax = cooldownMax
	cfg.Resilience.SelectMaxWait = maxWait
	return NewPool(cfg)
}

func TestPoolSelectPrefersLeastRecentlyFailed(t *testing.T) {
	pool := newTestPool(3, time.Millisecond, time.Second, time.Second)
	ctx := context.Background()

	first, err := pool.Select(ctx)
	require.NoError(t, err)

	// 失败后冷却到期，再让另一个凭证失败：应选回更早失败的那个
	pool.MarkFailure(first, true)
	time.Sleep(5 * time.Millisecond)

	second, err := pool.Select(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	pool.MarkFailure(second, true)
	time.Sleep(5 * time.Millisecond)

	third, err := pool.Select(ctx)
	require.NoError(t, err)
	// 从未失败的凭证最优先
	assert.NotEqual(t, first.ID, third.ID)
	assert.NotEqual(t, second.ID, third.ID)

	pool.MarkFailure(third, true)
	time.Sleep(5 * time.Millisecond)

	// 三个都失败过：最久未失败的是 first
	pick, err := pool.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, pick.ID)
}

func TestPoolSelectSkipsCoolingWhileAvailableExists(t *testing.T) {
	pool := newTestPool(2, time.Minute, time.Hour, 10*time.Millisecond)
	ctx := context.Background()

	first, err := pool.Select(ctx)
	require.NoError(t, err)
	pool.MarkFailure(first, true)

	for i := 0; i < 10; i++ {
		pick, err := pool.Select(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, pick.ID)
	}
}

func TestPoolSelectWaitsForNearestCooldown(t *testing.T) {
	pool := newTestPool(1, 5*time.Millisecond, time.Second, time.Second)
	ctx := context.Background()

	cred, err := pool.Select(ctx)
	require.NoError(t, err)
	pool.MarkFailure(cred, true)

	start := time.Now()
	pick, err := pool.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, pick.ID)
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)
}

func TestPoolSelectBoundedWaitExceeded(t *testing.T) {
	pool := newTestPool(1, time.Minute, time.Hour, 10*time.Millisecond)
	ctx := context.Background()

	cred, err := pool.Select(ctx)
	require.NoError(t, err)
	pool.MarkFailure(cred, true)

	_, err = pool.Select(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPoolExhausted))
}

func TestPoolSelectAllExhausted(t *testing.T) {
	pool := newTestPool(2, time.Millisecond, time.Second, time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cred, err := pool.Select(ctx)
		require.NoError(t, err)
		pool.MarkFailure(cred, false)
	}

	_, err := pool.Select(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPoolExhausted))

	// 手动复位后恢复可用
	pool.Reset()
	_, err = pool.Select(ctx)
	assert.NoError(t, err)
}

func TestPoolCooldownGrowsExponentiallyWithCap(t *testing.T) {
	pool := newTestPool(1, 10*time.Millisecond, 35*time.Millisecond, time.Second)
	cred := pool.Snapshot()
	require.Len(t, cred, 1)

	c := pool.credentials[0]

	pool.MarkFailure(c, true)
	first := time.Until(c.CooldownUntil)
	pool.MarkFailure(c, true)
	second := time.Until(c.CooldownUntil)
	pool.MarkFailure(c, true)
	third := time.Until(c.CooldownUntil)
	pool.MarkFailure(c, true)
	fourth := time.Until(c.CooldownUntil)

	// 10ms → 20ms → 35ms（封顶） → 35ms
	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
	assert.LessOrEqual(t, fourth, 35*time.Millisecond)
	assert.Equal(t, 4, c.FailureCount)
}

func TestPoolMarkSuccessClearsFailureState(t *testing.T) {
	pool := newTestPool(1, time.Minute, time.Hour, time.Millisecond)
	c := pool.credentials[0]

	pool.MarkFailure(c, true)
	require.Equal(t, StateCooling, c.State)
	require.Equal(t, 1, c.FailureCount)

	pool.MarkSuccess(c)
	assert.Equal(t, StateAvailable, c.State)
	assert.Equal(t, 0, c.FailureCount)
	assert.True(t, c.CooldownUntil.IsZero())

	_, err := pool.Select(context.Background())
	assert.NoError(t, err)
}

func TestPoolSelectRespectsContextCancel(t *testing.T) {
	pool := newTestPool(1, 100*time.Millisecond, time.Second, time.Second)

	cred, err := pool.Select(context.Background())
	require.NoError(t, err)
	pool.MarkFailure(cred, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Select(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
