package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), fast, func(error) bool { return false }, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("want boom after 1 call, got %v after %d", err, calls)
	}
}

func TestDo_PermanentUnwrapped(t *testing.T) {
	boom := errors.New("auth failed")
	calls := 0
	err := Do(context.Background(), fast, nil, func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	if err != boom {
		t.Fatalf("want the original error back, got %#v", err)
	}
	if calls != 1 {
		t.Fatalf("want 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, nil, func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if err == nil || calls != fast.MaxAttempts {
		t.Fatalf("want error after %d calls, got %v after %d", fast.MaxAttempts, err, calls)
	}
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	err := Do(ctx, opts, nil, func(context.Context) error {
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNormalized_FillsZeroFields(t *testing.T) {
	got := Options{}.normalized()
	if got.MaxAttempts != Default.MaxAttempts || got.MaxDelay != Default.MaxDelay || got.Multiplier != Default.Multiplier {
		t.Fatalf("zero options not normalized: %+v", got)
	}
}
