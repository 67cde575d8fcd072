// Package retry runs a generation step until its output passes validation.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// ErrExhausted is returned when no attempt produced a value and no error was recorded.
var ErrExhausted = errors.New("retries exhausted")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
)

// Result is the outcome of Do.
type Result[T any] struct {
	// Value is the accepted value, or the last produced value when none was accepted.
	Value T
	// Accepted reports whether some attempt passed validation.
	Accepted bool
	// Attempts is the number of attempts made.
	Attempts int
}

type options struct {
	maxAttempts int
	baseDelay   time.Duration
	name        string
}

// Option configures Do.
type Option func(*options)

// WithMaxAttempts sets the attempt budget. Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = max(n, 1)
	}
}

// WithBaseDelay sets the delay unit; attempt k waits k*delay before the next attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) {
		o.baseDelay = max(d, 0)
	}
}

// WithName labels log records.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Do calls op until validate accepts its value or the attempt budget is spent.
//
// A thrown error consumes an attempt. Once any attempt has produced a value, exhausting the
// budget returns that last value with Accepted == false and no error. The error of the last
// attempt is returned only when no attempt produced a value. Cancelling ctx stops between attempts.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), validate func(T) bool, opts ...Option) (Result[T], error) {
	o := options{maxAttempts: DefaultMaxAttempts, baseDelay: DefaultBaseDelay, name: "generation"}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		result   Result[T]
		produced bool
		lastErr  error
	)
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		result.Attempts = attempt

		value, err := op(ctx)
		if err != nil {
			lastErr = err
			slog.Warn("attempt failed",
				"step", o.name,
				"attempt", attempt,
				"max_attempts", o.maxAttempts,
				"error", err)
		} else {
			result.Value = value
			produced = true
			if validate(value) {
				result.Accepted = true
				return result, nil
			}
			slog.Warn("attempt rejected by validation",
				"step", o.name,
				"attempt", attempt,
				"max_attempts", o.maxAttempts)
		}

		if attempt == o.maxAttempts {
			break
		}
		if err := sleep(ctx, time.Duration(attempt)*o.baseDelay); err != nil {
			if produced {
				return result, nil
			}
			return result, err
		}
	}

	if !produced {
		if lastErr == nil {
			lastErr = ErrExhausted
		}
		return result, lastErr
	}
	return result, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
