package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSemaphoreAcquireRelease(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	// third waiter must block until a slot frees
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(timeoutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded at capacity, got %v", err)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestSemaphoreReleaseWithoutAcquire(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Release(); !errors.Is(err, ErrSemaphoreNotHeld) {
		t.Fatalf("expected ErrSemaphoreNotHeld, got %v", err)
	}
}

func TestSemaphoreDefaultLimit(t *testing.T) {
	s := NewSemaphore(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := s.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(timeoutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded past default limit, got %v", err)
	}
}
