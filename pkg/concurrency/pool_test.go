package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolCreation(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Shutdown()

	if pool.Size() != 1 {
		t.Errorf("Expected size clamped to 1, got %d", pool.Size())
	}
}

func TestWorkerPoolMapRunsEveryIndex(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	out := make([]int, 100)
	err := pool.Map(context.Background(), len(out), func(_ context.Context, i int) error {
		out[i] = i * i
		return nil
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	for i, v := range out {
		if v != i*i {
			t.Fatalf("Index %d: expected %d, got %d", i, i*i, v)
		}
	}
}

func TestWorkerPoolDeterministicAcrossSizes(t *testing.T) {
	compute := func(size int) []int {
		pool := NewWorkerPool(size)
		defer pool.Shutdown()
		out := make([]int, 50)
		_ = pool.Map(context.Background(), len(out), func(_ context.Context, i int) error {
			out[i] = (i * 7919) % 101
			return nil
		})
		return out
	}

	a := compute(1)
	b := compute(8)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Result differs at %d: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestWorkerPoolReturnsLowestIndexError(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	errLow := errors.New("low")
	errHigh := errors.New("high")

	err := pool.Map(context.Background(), 10, func(_ context.Context, i int) error {
		switch i {
		case 3:
			return errLow
		case 7:
			return errHigh
		}
		return nil
	})
	if !errors.Is(err, errLow) {
		t.Errorf("Expected lowest-index error, got %v", err)
	}

	stats := pool.Stats()
	if stats["tasks_failed"].(uint64) != 2 {
		t.Errorf("Expected 2 failed tasks, got %v", stats["tasks_failed"])
	}
}

func TestWorkerPoolCancelledContext(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	err := pool.Map(ctx, 20, func(_ context.Context, _ int) error {
		ran.Add(1)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if ran.Load() != 0 {
		t.Errorf("No task should run on a cancelled context, ran %d", ran.Load())
	}
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown should complete within timeout")
	}

	err := pool.Map(context.Background(), 1, func(context.Context, int) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after shutdown, got %v", err)
	}
}
