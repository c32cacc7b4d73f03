package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  4,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     15 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

type IsRetryableFunc func(error) bool

// permanentError stops Do regardless of the retryable predicate.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do executes fn with retries and exponential backoff until it succeeds,
// context is done, or attempts are exhausted. Returns the last error.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) error {
	opts = opts.normalized()
	attempt := 0
	backoff := opts.InitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}

		// +/-20% jitter.
		sleep := backoff
		if opts.Jitter {
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// Next backoff with overflow guard and cap.
		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = next
		if backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}

// normalized fills zero fields from Default so partially configured options stay usable.
func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = Default.MaxAttempts
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = Default.MaxDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = Default.Multiplier
	}
	return o
}

// Once is a single attempt with no backoff, handy for tests and dry backends.
var Once = Options{MaxAttempts: 1}
