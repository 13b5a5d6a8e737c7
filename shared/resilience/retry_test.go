package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	fastPolicy = Policy{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
)

func TestForever_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Forever(context.Background(), fastPolicy, testLogger, "test", func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestForever_StopsOnPermanent(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Forever(context.Background(), fastPolicy, testLogger, "test", func(ctx context.Context) error {
		calls++
		return Stop(permanent)
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestForever_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Forever(ctx, fastPolicy, testLogger, "test", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBounded(t *testing.T) {
	failure := errors.New("timeout")
	calls := 0
	err := Bounded(context.Background(), fastPolicy, 3, testLogger, "test", func(ctx context.Context) error {
		calls++
		return failure
	})

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 3, calls)
}

func TestStop_Nil(t *testing.T) {
	assert.NoError(t, Stop(nil))
}
