package zkclient

import (
	"log/slog"
	"sync"
)

// serialExecutor runs tasks one by one on a single goroutine, in submission
// order. The queue is unbounded so that Execute never blocks the zk library
// goroutines delivering results and events.
type serialExecutor struct {
	name   string
	mx     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialExecutor(name string) *serialExecutor {
	return &serialExecutor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Execute enqueues task. Tasks submitted after shutdown are dropped.
func (e *serialExecutor) Execute(task func()) {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return
	}
	e.queue = append(e.queue, task)
	e.mx.Unlock()
	e.signal()
}

func (e *serialExecutor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		e.mx.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mx.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mx.Unlock()
		e.run(task)
	}
}

func (e *serialExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event task panicked", "executor", e.name, "panic", r)
		}
	}()
	task()
}

// shutdown stops accepting tasks; queued tasks still run before loop exits.
func (e *serialExecutor) shutdown() {
	e.mx.Lock()
	e.closed = true
	e.mx.Unlock()
	e.signal()
}
