package reliability

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := DefaultBackoffConfig()

		assert.Equal(t, 1000, cfg.MaxDelay)
		assert.Equal(t, 3, cfg.Factor)
		assert.Equal(t, 10, cfg.MaxAttempts)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		invalid := []BackoffConfig{
			{MaxDelay: 0, Factor: 2, MaxAttempts: 3},
			{MaxDelay: -5, Factor: 2, MaxAttempts: 3},
			{MaxDelay: 60, Factor: 0, MaxAttempts: 3},
			{MaxDelay: 60, Factor: 2, MaxAttempts: -1},
		}

		for _, cfg := range invalid {
			_, err := NewBackoffPolicy(cfg)
			assert.ErrorIs(t, err, ErrInvalidBackoffConfig, "config %+v", cfg)
		}
	})

	t.Run("zero max attempts is allowed", func(t *testing.T) {
		policy, err := NewBackoffPolicy(BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 0})
		require.NoError(t, err)

		retry, delay := policy.ShouldRetry(0)
		assert.False(t, retry)
		assert.Zero(t, delay)
	})
}

func TestBackoffPolicyDelay(t *testing.T) {
	policy, err := NewBackoffPolicy(BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
	require.NoError(t, err)

	tests := []struct {
		attempts int
		expected int
	}{
		{0, 1},
		{1, 4},
		{2, 9},
		{5, 36},
		{6, 49},
		{7, 60},
		{100, 60},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempts=%d", tt.attempts), func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Delay(tt.attempts))
		})
	}

	t.Run("negative attempts count as none", func(t *testing.T) {
		assert.Equal(t, 1, policy.Delay(-3))
	})
}

func TestBackoffPolicyProperties(t *testing.T) {
	configs := []BackoffConfig{
		{MaxDelay: 1, Factor: 1, MaxAttempts: 1},
		{MaxDelay: 60, Factor: 2, MaxAttempts: 6},
		DefaultBackoffConfig(),
		{MaxDelay: 3600, Factor: 5, MaxAttempts: 20},
	}

	for _, cfg := range configs {
		policy, err := NewBackoffPolicy(cfg)
		require.NoError(t, err)

		previous := 0
		for attempts := 0; attempts < 200; attempts++ {
			delay := policy.Delay(attempts)
			assert.GreaterOrEqual(t, delay, 1)
			assert.LessOrEqual(t, delay, cfg.MaxDelay)
			assert.GreaterOrEqual(t, delay, previous, "delay must never shrink")
			previous = delay
		}
	}

	t.Run("huge exponents saturate instead of overflowing", func(t *testing.T) {
		policy, err := NewBackoffPolicy(BackoffConfig{MaxDelay: 500, Factor: 64, MaxAttempts: 3})
		require.NoError(t, err)

		assert.Equal(t, 1, policy.Delay(0))
		assert.Equal(t, 500, policy.Delay(1))
		assert.Equal(t, 500, policy.Delay(math.MaxInt32))
	})
}

func TestBackoffPolicyShouldRetry(t *testing.T) {
	policy, err := NewBackoffPolicy(BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
	require.NoError(t, err)

	retry, delay := policy.ShouldRetry(5)
	assert.True(t, retry)
	assert.Equal(t, 36, delay)

	retry, delay = policy.ShouldRetry(6)
	assert.False(t, retry)
	assert.Zero(t, delay)

	retry, _ = policy.ShouldRetry(42)
	assert.False(t, retry)
}
