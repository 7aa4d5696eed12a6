package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("connection reset")
	errFatal = errors.New("card declined")
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Retryable:       func(err error) bool { return errors.Is(err, errFlaky) },
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notified []uint
	p := fastPolicy(5)
	p.OnRetry = func(err error, attempt uint, next time.Duration) {
		notified = append(notified, attempt)
	}

	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []uint{1, 2}, notified)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(100)
	p.InitialInterval = 50 * time.Millisecond
	p.MaxInterval = 50 * time.Millisecond

	calls := 0
	err := Run(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, uint(4), p.MaxAttempts)
	assert.Nil(t, p.Retryable)
}
