package doip

import (
	"fmt"
	"log/slog"
	"sync"
)

// -------------------------------------------------------------------------
// Executor: single-consumer FIFO task queue
// -------------------------------------------------------------------------

// Executor runs tasks one at a time, in the order they were enqueued, on a
// single dedicated goroutine. Channels, conversations, and the vehicle
// discovery conversation each own one so that their state has exactly one
// writer.
//
// The queue is unbounded: Enqueue never blocks the caller, which is what
// lets network receive callbacks hand work over and return immediately.
type Executor struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	// wake has capacity 1; a pending token means "queue or closed changed".
	wake chan struct{}
	done chan struct{}

	shutdownOnce sync.Once
}

// NewExecutor creates an Executor and starts its worker goroutine.
func NewExecutor(name string, logger *slog.Logger) *Executor {
	e := &Executor{
		name:   name,
		logger: logger.With(slog.String("executor", name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Enqueue appends task to the queue and wakes the worker. It returns false
// without queuing when the executor has been shut down.
func (e *Executor) Enqueue(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	e.signal()
	return true
}

// Pending returns the number of queued tasks not yet started.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Shutdown stops accepting tasks, lets the worker drain what is already
// queued, and waits for it to exit. Safe to call more than once and from
// multiple goroutines. Must not be called from a task of the same executor.
func (e *Executor) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.signal()
	})
	<-e.done
}

// Done returns a channel closed after the worker goroutine has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop: sleep until woken, then pop and execute tasks
// until the queue is empty. Exits once closed and drained.
func (e *Executor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.queue) > 0 {
			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			e.execute(task)

			e.mu.Lock()
		}
		closed := e.closed
		e.mu.Unlock()

		if closed {
			return
		}
		<-e.wake
	}
}

// execute runs one task, recovering a panic so that a faulty task does not
// take the owner's worker down with it.
func (e *Executor) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked",
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	task()
}
