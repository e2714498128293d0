package wsserver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRng always returns the same value, so retry tests wait a fixed
// backoff instead of a random jittered sleep duration.
type fixedRng struct{ v int64 }

func (f fixedRng) Int63() int64 { return f.v }

func TestWithMediaRetry_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	b64, ok, err := withMediaRetry(context.Background(), fixedRng{}, func(context.Context) (string, bool, error) {
		calls++
		return "data", true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data", b64)
	assert.Equal(t, 1, calls)
}

func TestWithMediaRetry_RetriesOnceThenSucceeds(t *testing.T) {
	calls := 0
	b64, ok, err := withMediaRetry(context.Background(), fixedRng{}, func(context.Context) (string, bool, error) {
		calls++
		if calls == 1 {
			return "", false, errors.New("transient provider error")
		}
		return "data", true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data", b64)
	assert.Equal(t, 2, calls)
}

func TestWithMediaRetry_GivesUpAfterSecondFailure(t *testing.T) {
	calls := 0
	failure := errors.New("provider unavailable")
	_, ok, err := withMediaRetry(context.Background(), fixedRng{}, func(context.Context) (string, bool, error) {
		calls++
		return "", false, failure
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 2, calls)
}

func TestWithMediaRetry_ContextCancelledDuringBackoffAbortsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, ok, err := withMediaRetry(ctx, fixedRng{}, func(context.Context) (string, bool, error) {
		calls++
		return "", false, errors.New("transient")
	})
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
