package node

import "sync"

// Executor decides which goroutine runs listener callbacks.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) {
	f(fn)
}

// Inline runs callbacks on the goroutine that produced the event.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// SerialExecutor runs callbacks one at a time, in submission order, on a
// single goroutine it owns.
type SerialExecutor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts the delivery goroutine. Execute blocks once
// buffer callbacks are queued.
func NewSerialExecutor(buffer int) *SerialExecutor {
	if buffer < 0 {
		buffer = 0
	}
	e := &SerialExecutor{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for fn := range e.tasks {
			fn()
		}
	}()
	return e
}

// Execute queues fn. Calls after Close are dropped.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.tasks <- fn
}

// Close drains queued callbacks and stops the delivery goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mu.Unlock()
	<-e.done
}
