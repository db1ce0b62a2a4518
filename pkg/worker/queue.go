// Package worker runs tasks one at a time, in submission order, on a single
// goroutine. The store and the favorites sync share one Queue so that every
// mutation is serialized without per-record locking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/logger"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("worker: queue closed")

// Queue is a single-goroutine FIFO executor.
type Queue struct {
	name string

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// New starts a queue. name only shows up in log lines.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Submit enqueues task without waiting for it.
func (q *Queue) Submit(task func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do enqueues task and waits until it has run or ctx is done. When ctx
// expires first the task still runs later; only the wait is abandoned.
// Do must not be called from inside a task of the same queue.
func (q *Queue) Do(ctx context.Context, task func() error) error {
	errc := make(chan error, 1)
	if err := q.Submit(func() { errc <- task() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting tasks, runs what is already queued and waits for
// the loop to exit. Calling it again is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker %s: task panicked: %v\n%s", q.name, r, debug.Stack())
		}
	}()
	task()
}

// Call runs fn on q and returns a future for its result.
func Call[T any](q *Queue, fn func() (T, error)) *async.Future[T] {
	p := async.NewPromise[T]()
	err := q.Submit(func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("worker %s: task panicked: %v", q.name, r))
				panic(r)
			}
			p.Complete(v, err)
		}()
		v, err = fn()
	})
	if err != nil {
		p.Reject(err)
	}
	return p.Future()
}
