package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		NoJitter:       true,
	}
}

func TestConfig_Getters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         *Config
		wantRetries int
		wantJitter  float64
	}{
		{"nil config", nil, DefaultMaxRetries, DefaultJitterFactor},
		{"zero values", &Config{}, DefaultMaxRetries, DefaultJitterFactor},
		{"negative retries", &Config{MaxRetries: -5}, DefaultMaxRetries, DefaultJitterFactor},
		{"unlimited", &Config{MaxRetries: Unlimited}, Unlimited, DefaultJitterFactor},
		{"custom", &Config{MaxRetries: 1, JitterFactor: 0.5}, 1, 0.5},
		{"jitter clamped", &Config{JitterFactor: 3}, DefaultMaxRetries, MaxJitterFactor},
		{"jitter disabled", &Config{NoJitter: true}, DefaultMaxRetries, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantRetries, tt.cfg.GetMaxRetries())
			assert.Equal(t, tt.wantJitter, tt.cfg.GetJitterFactor())
			assert.Positive(t, tt.cfg.GetInitialBackoff())
			assert.Positive(t, tt.cfg.GetMaxBackoff())
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, &Options{OnRetry: func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(1), func() error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls, "one attempt plus one retry")
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	}, &Options{ShouldRetry: func(err error) bool { return errors.Is(err, errTransient) }})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_UnlimitedUntilContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(Unlimited), func() error {
		calls++
		if calls == 10 {
			cancel()
		}
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 10, calls)
}

func TestDo_CanceledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, fastConfig(3), func() error {
		called = true
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 0))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 0))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 0))
	assert.Equal(t, time.Second, CalculateBackoff(10000, 100*time.Millisecond, time.Second, 0))

	withJitter := CalculateBackoff(0, 100*time.Millisecond, time.Second, 0.5)
	assert.GreaterOrEqual(t, withJitter, 100*time.Millisecond)
	assert.LessOrEqual(t, withJitter, 150*time.Millisecond)
}
