package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	c := New(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second, MaxRetries: 3}, nil)
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrorThenSucceeds(t *testing.T) {
	c := New(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second, MaxRetries: 3}, nil)
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryNonTransientError(t *testing.T) {
	c := New(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second, MaxRetries: 3}, nil)
	calls := 0
	sentinel := errors.New("invalid credentials")
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	c := New(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second, MaxRetries: 2}, nil)
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestDoRespectsContextCancellation(t *testing.T) {
	c := New(Config{InitialBackoff: time.Second, MaxBackoff: time.Second, Timeout: time.Second, MaxRetries: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Do(ctx, "op", func(ctx context.Context) error {
		t.Fatal("fn should not be called with an already-cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientErrorClassification(t *testing.T) {
	assert.True(t, isTransientError(errors.New("got HTTP 503 Service Unavailable")))
	assert.True(t, isTransientError(context.DeadlineExceeded))
	assert.False(t, isTransientError(errors.New("invalid api key")))
	assert.False(t, isTransientError(nil))
}
