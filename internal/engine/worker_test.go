package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), "build", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 2
	pool := NewWorkerPool(poolSize, nil)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		err := pool.Submit(context.Background(), "build", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	err := pool.Submit(context.Background(), "first", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	if pool.Available() {
		t.Error("pool of one should be full")
	}

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "second", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}

	pool.Wait()
	if !pool.Available() {
		t.Error("pool should have a free slot after Wait")
	}
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	if err := pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("test panic")
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failure, got %+v", m)
	}

	var ran int64
	if err := pool.Submit(context.Background(), "after", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "hold", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiting", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_ShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(context.Background(), "build", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", atomic.LoadInt64(&completed))
	}
	if err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		_ = pool.Submit(context.Background(), "ok", func(ctx context.Context) error { return nil })
	}
	for i := 0; i < 2; i++ {
		_ = pool.Submit(context.Background(), "fail", func(ctx context.Context) error { return errTarget })
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 || m.Failed != 2 || m.Active != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}
