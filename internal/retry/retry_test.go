package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgreSQLDefaults(t *testing.T) {
	config := PostgreSQLDefaults()
	assert.Equal(t, uint64(10), config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, uint64(10), config.JitterPercent)
}

func TestStoreDefaults(t *testing.T) {
	config := StoreDefaults(3)
	assert.Equal(t, uint64(3), config.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 5*time.Second, config.MaxDelay)
}

func TestWithOperation_Success(t *testing.T) {
	config := &Config{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}

	callCount := 0
	err := WithOperation(context.Background(), config, func() error {
		callCount++
		return nil
	}, "test-operation")

	require.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestWithOperation_ExceedsMaxAttempts(t *testing.T) {
	config := &Config{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}

	callCount := 0
	persistent := errors.New("persistent failure")
	err := WithOperation(context.Background(), config, func() error {
		callCount++
		return persistent
	}, "test-operation")

	require.ErrorIs(t, err, persistent)
	// go-retry does MaxAttempts + 1 total attempts (initial + retries)
	assert.Equal(t, 4, callCount)
}

func TestWithOperation_NoRetries(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), StoreDefaults(0), func() error {
		callCount++
		return errors.New("refused")
	}, "connect")

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestCreateBackoff(t *testing.T) {
	config := &Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}
	assert.NotNil(t, config.CreateBackoff())
}

func TestPollBackoff(t *testing.T) {
	b := PollBackoff(-time.Second)
	for i := 0; i < 100; i++ {
		next, stop := b.Next()
		require.False(t, stop)
		require.Zero(t, next)
	}

	next, stop := PollBackoff(5 * time.Millisecond).Next()
	assert.False(t, stop)
	assert.Equal(t, 5*time.Millisecond, next)
}

func TestUntil(t *testing.T) {
	calls := 0
	err := Until(context.Background(), 0, func(context.Context) (bool, error) {
		calls++
		return calls == 50, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 50, calls)
}

func TestUntil_CheckError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), 0, func(context.Context) (bool, error) {
		calls++
		if calls == 3 {
			return false, boom
		}
		return false, nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestUntil_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Until(ctx, time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
