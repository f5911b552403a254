package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	ok := Ok(42)
	if v, err := ok.Unwrap(); v != 42 || err != nil {
		t.Errorf("Ok unwrap = %d, %v", v, err)
	}
	e := Err[int](errors.New("boom"))
	if !e.IsErr() || e.UnwrapOr(7) != 7 {
		t.Error("Err behavior wrong")
	}
	if v := MapResult(ok, func(n int) string {
		if n == 42 {
			return "yes"
		}
		return "no"
	}).UnwrapOr(""); v != "yes" {
		t.Errorf("MapResult = %q", v)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	res := Retry(context.Background(), opts, func(_ context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Err[string](errors.New("transient"))
		}
		return Ok("done")
	})
	if v, err := res.Unwrap(); err != nil || v != "done" {
		t.Fatalf("got %q, %v", v, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}
	res := Retry(context.Background(), opts, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](fatal)
	})
	if _, err := res.Unwrap(); !errors.Is(err, fatal) {
		t.Fatalf("got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Hour, MaxWait: time.Hour}
	res := Retry(ctx, opts, func(_ context.Context) Result[int] {
		return Err[int](errors.New("transient"))
	})
	if _, err := res.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestParMapResult_PreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results := ParMapResult(items, 2, func(n int) Result[int] {
		return Ok(n * 10)
	})
	got, err := Collect(results).Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range got {
		if v != (i+1)*10 {
			t.Fatalf("position %d = %d", i, v)
		}
	}
}

func TestFanOutResult(t *testing.T) {
	var calls atomic.Int32
	res := FanOutResult(
		func() Result[int] { calls.Add(1); return Ok(1) },
		func() Result[int] { calls.Add(1); return Ok(2) },
	)
	got, err := res.Unwrap()
	if err != nil || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, %v", got, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d", calls.Load())
	}

	bad := FanOutResult(
		func() Result[int] { return Ok(1) },
		func() Result[int] { return Err[int](errors.New("boom")) },
	)
	if _, err := bad.Unwrap(); err == nil {
		t.Fatal("expected error")
	}
}

func TestThen_ShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	first := func(_ context.Context, n int) Result[int] { return Err[int](boom) }
	second := func(_ context.Context, n int) Result[int] {
		t.Fatal("second stage must not run")
		return Ok(n)
	}
	res := Then(first, second)(context.Background(), 1)
	if _, err := res.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

func TestBatchStage(t *testing.T) {
	double := func(_ context.Context, n int) Result[int] { return Ok(n * 2) }
	res := BatchStage(3, double)(context.Background(), []int{1, 2, 3})
	got, err := res.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[2] != 6 {
		t.Fatalf("got %v", got)
	}
}
