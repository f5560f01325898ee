package syncutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLocalLocker_SerializesOneKey(t *testing.T) {
	l := NewLocalLocker(0)
	ctx := context.Background()

	inside := 0
	maxInside := 0
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			unlock, err := l.Lock(ctx, "ofr_1")
			if err != nil {
				return err
			}
			defer unlock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			time.Sleep(time.Millisecond)
			inside--
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if maxInside != 1 {
		t.Errorf("Expected one holder at a time, saw %d", maxInside)
	}
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	l := NewLocalLocker(1)
	unlock, err := l.Lock(context.Background(), "ofr_1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	// One slot: every key contends.
	if _, err := l.Lock(ctx, "ofr_2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestLocalLocker_ReleaseHandsOver(t *testing.T) {
	l := NewLocalLocker(0)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "esc_9")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "esc_9")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("Second holder acquired the lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second holder never acquired the lock")
	}
}

func TestLocalLocker_DoubleUnlockReleasesOnce(t *testing.T) {
	var l Locker = NewLocalLocker(0)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "ofr_1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	unlock()

	held, err := l.Lock(ctx, "ofr_1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer held()

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(timeoutCtx, "ofr_1"); err == nil {
		t.Fatal("Expected Lock to block while held")
	}
}
