// Package opQueue runs tasks strictly one after another in submission order
// on a single worker goroutine.
package opQueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("opQueue: queue closed")

type Task func() error

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	run   Task
	done  chan error    // nil for unowned tasks
	state *atomic.Int32 // nil for tasks nobody can abandon
}

type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []job
	closed  bool
	stopped chan struct{}
	sink    func(error)
}

// New starts the worker. sink receives errors of tasks pushed with
// PushUnowned; it may be nil.
func New(sink func(error)) *Queue {
	q := &Queue{
		stopped: make(chan struct{}),
		sink:    sink,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = job{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		if j.state != nil && !j.state.CompareAndSwap(jobPending, jobRunning) {
			continue
		}
		err := j.run()
		switch {
		case j.done != nil:
			j.done <- err
		case err != nil && q.sink != nil:
			q.sink(err)
		}
	}
}

func (q *Queue) enqueue(j job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.jobs = append(q.jobs, j)
	q.cond.Signal()
	return nil
}

// Push queues task and returns a channel that receives its result.
func (q *Queue) Push(task Task) <-chan error {
	done := make(chan error, 1)
	if err := q.enqueue(job{run: task, done: done}); err != nil {
		done <- err
	}
	return done
}

// PushUnowned queues task without a caller waiting for it. A failure goes to
// the sink.
func (q *Queue) PushUnowned(task Task) {
	if err := q.enqueue(job{run: task}); err != nil && q.sink != nil {
		q.sink(err)
	}
}

// Do queues task and waits for it. When ctx ends before the task started,
// the task is dropped and ctx's error returned. A task that already started
// is waited for, so its result is never lost.
func (q *Queue) Do(ctx context.Context, task Task) error {
	state := new(atomic.Int32)
	done := make(chan error, 1)
	if err := q.enqueue(job{run: task, done: done, state: state}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(jobPending, jobAbandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// Len reports the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting tasks, lets the queued ones finish and waits for the
// worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.stopped
}
