// Package serial provides an executor that runs submitted tasks one at a time, in submission order.
//
// Each protocol state machine owns a Queue. Every entry point (inbound message, kernel callback, timer)
// submits its step to the queue instead of locking, so steps of one machine never interleave while
// different machines run in parallel. A task that submits to its own queue (directly or through a
// collaborator that calls back synchronously) does not deadlock; the new task runs once the current
// one returns.
package serial

import (
	"sync"

	"github.com/ef-ds/deque"
)

// Queue is a serial executor. The zero value is ready for use.
//
// Tasks run on the goroutine of whichever caller found the queue idle; Do does not wait for tasks
// queued behind a task already in progress on another goroutine.
type Queue struct {
	mu      sync.Mutex
	tasks   deque.Deque
	running bool
}

// Do queues f and, if no other goroutine is currently draining the queue, drains it.
func (q *Queue) Do(f func()) {
	q.mu.Lock()
	q.tasks.PushBack(f)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for {
		next, ok := q.tasks.PopFront()
		if !ok {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.run(next.(func()))
		q.mu.Lock()
	}
}

// run executes a single task; a panicking task must not wedge the queue in the running state.
func (q *Queue) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			panic(r)
		}
	}()
	f()
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}
