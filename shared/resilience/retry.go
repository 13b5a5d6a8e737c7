package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy holds backoff settings for connectivity retries
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used when a zero policy is passed
var DefaultPolicy = Policy{
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Stop marks err as permanent so Forever and Bounded return it without retrying
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (p Policy) backoff() retry.Backoff {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = DefaultPolicy.InitialBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultPolicy.MaxBackoff
	}
	return retry.WithCappedDuration(maxBackoff, retry.NewExponential(initial))
}

// Forever runs fn until it succeeds, returns a Stop error, or ctx is done.
// Each failure is logged under op.
func Forever(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	return run(ctx, p.backoff(), logger, op, fn)
}

// Bounded is Forever with at most attempts calls of fn
func Bounded(ctx context.Context, p Policy, attempts int, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	return run(ctx, retry.WithMaxRetries(uint64(attempts-1), p.backoff()), logger, op, fn)
}

func run(ctx context.Context, b retry.Backoff, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					slog.String("op", op),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		logger.Warn("Operation failed, retrying...",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return retry.RetryableError(err)
	})
	return err
}
