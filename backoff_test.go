package amoura

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestPolicyDelayCapped(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}

func TestPolicyDelayNegativeAttempt(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	unlimited := Policy{BaseDelay: time.Millisecond}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestPolicyRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
		calls := 0
		err := p.Retry(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
		boom := errors.New("boom")
		calls := 0
		err := p.Retry(context.Background(), func(ctx context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := p.Retry(ctx, func(ctx context.Context) error {
			return errors.New("always")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
