package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func quick() Policy {
	return Policy{Attempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond}
}

func TestDoRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quick(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), quick(), func(err error) bool { return !errors.Is(err, permanent) }, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quick(), func(error) bool { return true }, func() error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Base: time.Minute, Cap: time.Minute},
		func(error) bool { return true }, func() error {
			calls++
			return errFlaky
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancelled context must stop before the next attempt")
}
