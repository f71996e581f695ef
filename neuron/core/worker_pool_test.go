package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4, 8)
	defer pool.Shutdown()

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.QueueSize != 8 {
		t.Errorf("Expected queue size 8, got %d", stats.QueueSize)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
}

func TestWorkerPoolRun(t *testing.T) {
	pool := NewWorkerPool("test", 2, 4)
	defer pool.Shutdown()

	out, err := pool.Run(context.Background(), "task-1", func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "done" {
		t.Errorf("Expected 'done', got %v", out)
	}
}

func TestWorkerPoolSubmitResult(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1)
	defer pool.Shutdown()

	expectedErr := errors.New("task failed")
	task := NewTask(context.Background(), "task-error", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})
	if err := pool.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case result := <-task.Done():
		if result.Success {
			t.Error("Task should have failed")
		}
		if !errors.Is(result.Error, expectedErr) {
			t.Errorf("Expected %v, got %v", expectedErr, result.Error)
		}
		if result.TaskID != "task-error" {
			t.Errorf("Expected task ID 'task-error', got %s", result.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	if stats := pool.GetStats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestWorkerPoolBusy(t *testing.T) {
	pool := NewWorkerPool("busy", 1, 1)
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocker := func(ctx context.Context) (interface{}, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}

	// One task running, one queued.
	first := NewTask(context.Background(), "first", blocker)
	if err := pool.Submit(first); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	second := NewTask(context.Background(), "second", blocker)
	if err := pool.Submit(second); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := pool.Run(context.Background(), "third", blocker)
	if !errors.Is(err, ErrPoolBusy) {
		t.Errorf("Expected ErrPoolBusy, got %v", err)
	}
	if stats := pool.GetStats(); stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected, got %d", stats.Rejected)
	}

	close(release)
	<-first.Done()
	<-second.Done()
}

func TestWorkerPoolPanicRecovery(t *testing.T) {
	pool := NewWorkerPool("panic", 1, 1)
	defer pool.Shutdown()

	_, err := pool.Run(context.Background(), "boom", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("Expected error from panicking task")
	}

	// The worker survives.
	out, err := pool.Run(context.Background(), "after", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil || out != 42 {
		t.Errorf("Expected 42, got %v (%v)", out, err)
	}
}

func TestWorkerPoolCancelledWhileQueued(t *testing.T) {
	pool := NewWorkerPool("cancel", 1, 1)
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	running := NewTask(context.Background(), "running", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	_ = pool.Submit(running)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var called int32
	queued := NewTask(ctx, "queued", func(ctx context.Context) (interface{}, error) {
		atomic.StoreInt32(&called, 1)
		return nil, nil
	})
	_ = pool.Submit(queued)
	cancel()
	close(release)

	result := <-queued.Done()
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Error)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Error("Cancelled task should not run")
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	pool := NewWorkerPool("test", 8, 128)
	defer pool.Shutdown()

	numTasks := 100
	var completed int64
	var wg sync.WaitGroup

	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := pool.Run(context.Background(), fmt.Sprintf("task-%d", i), func(ctx context.Context) (interface{}, error) {
				time.Sleep(time.Millisecond)
				return i, nil
			})
			if err == nil {
				atomic.AddInt64(&completed, 1)
			}
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt64(&completed) != int64(numTasks) {
		t.Errorf("Expected %d completed, got %d", numTasks, completed)
	}
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool("test", 4, 4)

	task := NewTask(context.Background(), "task-1", func(ctx context.Context) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	_ = pool.Submit(task)

	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}

	select {
	case <-task.Done():
	default:
		t.Error("Queued task should finish before Shutdown returns")
	}

	err := pool.Submit(NewTask(context.Background(), "late", nil))
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestWorkerPoolShutdownWithTimeout(t *testing.T) {
	pool := NewWorkerPool("test", 2, 2)
	task := NewTask(context.Background(), "quick", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	_ = pool.Submit(task)

	if err := pool.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	<-task.Done()
	if err := pool.ShutdownWithTimeout(time.Second); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

func TestWorkerPoolShutdownWithTimeoutExpires(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1)
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	hung := NewTask(context.Background(), "hung", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err := pool.Submit(hung); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	start := time.Now()
	err := pool.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown waited %v for a hung task", elapsed)
	}
	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}
	if err := pool.Submit(NewTask(context.Background(), "late", nil)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func BenchmarkWorkerPoolRun(b *testing.B) {
	pool := NewWorkerPool("bench", 8, 1024)
	defer pool.Shutdown()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = pool.Run(context.Background(), "task", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			})
		}
	})
}
