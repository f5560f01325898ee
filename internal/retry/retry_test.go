package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("duplicate commission")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, 10, 50*time.Millisecond, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoValue_ReturnsResult(t *testing.T) {
	var calls int
	got, err := DoValue(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("503")
		}
		return "0xabc", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0xabc" {
		t.Fatalf("expected 0xabc, got %q", got)
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("inner")
	pe := Permanent(inner)
	if !errors.Is(pe, inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if !IsPermanent(pe) {
		t.Fatal("IsPermanent should detect wrapped error")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDo_PermanentOnLastAttemptIsUnwrapped(t *testing.T) {
	sentinel := errors.New("memo already used")
	var calls int
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatal("returned error should not carry the permanent marker")
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	start := time.Now()
	var calls int
	_ = Do(context.Background(), 3, 20*time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	// 20ms then 40ms, each at least 75% of nominal.
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Fatalf("expected backoff between attempts, finished in %v", elapsed)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
