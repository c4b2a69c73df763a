package vars

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed indicates the request queue has shut down.
var ErrQueueClosed = errors.New("vars: request queue closed")

// defaultQueueSize bounds how many requests may wait for the backend.
const defaultQueueSize = 64

// requestQueue executes submitted jobs one at a time in submission
// order, modeling the single sequential backend conversation.
type requestQueue struct {
	jobs       chan queuedJob
	closing    chan struct{}
	terminated chan struct{}
	closeOnce  sync.Once
}

// queuedJob is one unit of serialized work. The worker always answers
// on done: nil after running the job, ErrQueueClosed if it was drained
// during shutdown.
type queuedJob struct {
	run  func()
	done chan error
}

// newRequestQueue creates a queue with the given capacity and starts
// its worker loop.
func newRequestQueue(size int) *requestQueue {
	if size <= 0 {
		size = defaultQueueSize
	}

	q := &requestQueue{
		jobs:       make(chan queuedJob, size),
		closing:    make(chan struct{}),
		terminated: make(chan struct{}),
	}

	go q.loop()
	return q
}

// loop runs jobs in FIFO order until Close, then fails whatever is
// still queued.
func (q *requestQueue) loop() {
	for {
		select {
		case <-q.closing:
			for {
				select {
				case job := <-q.jobs:
					job.done <- ErrQueueClosed
				default:
					close(q.terminated)
					return
				}
			}
		case job := <-q.jobs:
			job.run()
			job.done <- nil
		}
	}
}

// Do submits fn and blocks until it has run. Submission order equals
// completion order. Context cancellation is honored only while waiting
// for a queue slot; once submitted, the caller waits for completion so
// that results are never read concurrently with the running job.
func (q *requestQueue) Do(ctx context.Context, fn func()) error {
	job := queuedJob{run: fn, done: make(chan error, 1)}

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closing:
		return ErrQueueClosed
	}

	select {
	case err := <-job.done:
		return err
	case <-q.terminated:
		// Shutdown finished; the job may have been answered just before.
		select {
		case err := <-job.done:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Close stops the worker and fails queued jobs with ErrQueueClosed.
func (q *requestQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
	})
}
