// Package serial provides a single-goroutine execution context.
//
// Tasks submitted to an Executor run one at a time in submission order on one goroutine,
// so state touched only from tasks needs no locking. The queue is unbounded: submitting
// never blocks, which lets radio callbacks and completion handlers enqueue follow-up
// work from inside a running task.
package serial

import (
	"context"
	"sync"

	"github.com/srg/gattq/internal/groutine"
)

// Executor runs submitted tasks sequentially on a dedicated goroutine.
type Executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewExecutor starts an executor whose goroutine carries the given name.
func NewExecutor(ctx context.Context, name string) *Executor {
	e := &Executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	groutine.Go(ctx, name, e.loop)
	return e
}

func (e *Executor) loop(_ context.Context) {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}

// Async queues fn. It returns false if the executor is closed and fn was dropped.
func (e *Executor) Async(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.tasks = append(e.tasks, fn)
	e.cond.Signal()
	return true
}

// Sync queues fn and waits until it ran. It returns false if the executor is closed.
// Must not be called from a task: the executor would wait on itself.
func (e *Executor) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !e.Async(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		// closed after fn was accepted; tasks queued before Close still run
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops accepting tasks. Tasks already queued still run. Idempotent.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Done is closed once the executor goroutine has drained its queue and exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}
