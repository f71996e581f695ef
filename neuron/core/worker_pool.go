package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolBusy is returned when every worker is busy and the queue is full.
	ErrPoolBusy = errors.New("worker pool is busy")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrShutdownTimeout is returned when workers outlive the shutdown
	// deadline.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// TaskFunc is the unit of work executed by a worker.
type TaskFunc func(ctx context.Context) (interface{}, error)

// Task represents a processing task for the worker pool.
type Task struct {
	ID        string
	Fn        TaskFunc
	Ctx       context.Context
	CreatedAt time.Time

	done chan *Result
}

// NewTask creates a new task bound to ctx.
func NewTask(ctx context.Context, id string, fn TaskFunc) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:        id,
		Fn:        fn,
		Ctx:       ctx,
		CreatedAt: time.Now(),
		done:      make(chan *Result, 1),
	}
}

// Done returns a channel that receives the task's result exactly once.
func (t *Task) Done() <-chan *Result {
	return t.done
}

// Result represents the result of task processing.
type Result struct {
	TaskID   string
	Success  bool
	Data     interface{}
	Error    error
	Queued   time.Duration
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	QueueSize   int     `json:"queue_size"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Rejected    int64   `json:"rejected"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs tasks on a fixed number of goroutines with a bounded
// queue. Submissions beyond the queue capacity fail immediately.
type WorkerPool struct {
	name      string
	workers   int
	queueSize int
	taskChan  chan *Task
	wg        sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64
	rejected  int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers and queue
// capacity. A negative queueSize is treated as zero, so a task is accepted
// only when a worker is ready to take it.
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		taskChan:  make(chan *Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		running:   true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker is the goroutine that processes tasks.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.processTask(id, task)
		}
	}
}

// drain fails whatever is still queued so waiters are released.
func (p *WorkerPool) drain() {
	for {
		select {
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			atomic.AddInt64(&p.failed, 1)
			task.done <- &Result{TaskID: task.ID, Error: ErrPoolClosed, WorkerID: -1}
		default:
			return
		}
	}
}

// processTask executes a single task and delivers its result.
func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	result := &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
		Queued:   start.Sub(task.CreatedAt),
	}

	// Panic recovery to prevent one task from crashing the entire pool
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Data = nil
			result.Error = fmt.Errorf("panic in task processing: %s", panicToString(r))
		}
		result.Duration = time.Since(start)
		if result.Success {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
		}
		task.done <- result
	}()

	// The caller may have given up while the task sat in the queue.
	if err := task.Ctx.Err(); err != nil {
		result.Error = err
		return
	}

	if task.Fn == nil {
		result.Error = errors.New("no process function defined")
		return
	}

	result.Data, result.Error = task.Fn(task.Ctx)
	result.Success = result.Error == nil
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Submit queues a task without blocking. It returns ErrPoolBusy when the
// queue is full and ErrPoolClosed after Shutdown.
func (p *WorkerPool) Submit(task *Task) error {
	if task.done == nil {
		task.done = make(chan *Result, 1)
	}
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return ErrPoolBusy
	}
}

// Run submits fn and waits for it to finish or for ctx to end. Admission
// never blocks: a saturated pool fails with ErrPoolBusy.
func (p *WorkerPool) Run(ctx context.Context, id string, fn TaskFunc) (interface{}, error) {
	task := NewTask(ctx, id, fn)
	if err := p.Submit(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result.Data, result.Error
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		QueueSize:   p.queueSize,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Rejected:    atomic.LoadInt64(&p.rejected),
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting tasks, lets queued tasks finish and waits for
// the workers to exit.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.taskChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// ShutdownWithTimeout shuts down like Shutdown but stops waiting after
// timeout. Tasks still queued at that point fail with ErrPoolClosed.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.taskChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%w after %v (%d tasks still running)", ErrShutdownTimeout, timeout, atomic.LoadInt64(&p.active))
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
