// Package queue provides a serialized FIFO task queue. Tasks run one at a
// time in submission order on a dedicated goroutine; a task always completes
// before the next one starts. The room scheduler and the throttle coordinator
// both run on instances of this queue.
package queue

import (
	"container/list"
	"sync"

	"github.com/confabrtc/confab/internals/errs"
)

type task struct {
	fn   func() error
	done chan error
}

type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *list.List
	stopped bool
	idle    chan struct{}
}

func New() *Queue {
	q := &Queue{
		pending: list.New(),
		idle:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			// Reject everything still queued.
			for e := q.pending.Front(); e != nil; e = e.Next() {
				e.Value.(*task).done <- errs.InvalidState("queue stopped")
			}
			q.pending.Init()
			q.mu.Unlock()
			close(q.idle)
			return
		}
		e := q.pending.Front()
		q.pending.Remove(e)
		q.mu.Unlock()

		t := e.Value.(*task)
		t.done <- t.fn()
	}
}

// Do enqueues fn and blocks until it has run, returning its error. Calls after
// Stop fail with an invalid-state error.
func (q *Queue) Do(fn func() error) error {
	t := &task{fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return errs.InvalidState("queue stopped")
	}
	q.pending.PushBack(t)
	q.cond.Signal()
	q.mu.Unlock()

	return <-t.done
}

// Post enqueues fn without waiting for it. The error is discarded; tasks that
// can fail meaningfully should use Do.
func (q *Queue) Post(fn func() error) {
	t := &task{fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending.PushBack(t)
	q.cond.Signal()
	q.mu.Unlock()
}

// Stop rejects all queued tasks and shuts the runner goroutine down. The
// currently running task, if any, finishes first.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()

	<-q.idle
}
