package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when work is submitted after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// task is one indexed unit of a Map call.
type task struct {
	ctx   context.Context
	index int
	fn    func(ctx context.Context, i int) error
	errs  []error
	done  *sync.WaitGroup
}

// WorkerPool is a fixed set of goroutines that execute indexed tasks.
// Results are addressed by index, so the outcome of Map never depends on
// how many workers exist or in which order they finish.
type WorkerPool struct {
	size  int
	tasks chan *task

	wg sync.WaitGroup

	// closeMu guards tasks against send-after-close.
	closeMu sync.RWMutex
	closed  bool

	// Stats
	tasksRun  atomic.Uint64
	mapsRun   atomic.Uint64
	tasksFail atomic.Uint64
}

// NewWorkerPool starts a pool with size workers (at least one).
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}

	p := &WorkerPool{
		size:  size,
		tasks: make(chan *task, size*4),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

// run is the worker loop
func (p *WorkerPool) run() {
	defer p.wg.Done()

	for t := range p.tasks {
		p.exec(t)
	}
}

func (p *WorkerPool) exec(t *task) {
	defer t.done.Done()

	if err := t.ctx.Err(); err != nil {
		t.errs[t.index] = err
		return
	}
	if err := t.fn(t.ctx, t.index); err != nil {
		t.errs[t.index] = err
		p.tasksFail.Add(1)
	}
	p.tasksRun.Add(1)
}

// Map runs fn for every index in [0, n) on the pool and blocks until all
// of them returned. The error of the lowest failing index is returned.
func (p *WorkerPool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	errs := make([]error, n)
	var done sync.WaitGroup
	done.Add(n)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			// Account for the tasks that were never queued.
			for j := i; j < n; j++ {
				errs[j] = err
				done.Done()
			}
			break
		}
		t := &task{ctx: ctx, index: i, fn: fn, errs: errs, done: &done}
		select {
		case p.tasks <- t:
		case <-ctx.Done():
			for j := i; j < n; j++ {
				errs[j] = ctx.Err()
				done.Done()
			}
			i = n
		}
	}
	done.Wait()
	p.mapsRun.Add(1)

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Shutdown stops accepting work and waits for queued tasks to finish.
func (p *WorkerPool) Shutdown() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() map[string]any {
	return map[string]any{
		"workers":      p.size,
		"maps_run":     p.mapsRun.Load(),
		"tasks_run":    p.tasksRun.Load(),
		"tasks_failed": p.tasksFail.Load(),
	}
}
