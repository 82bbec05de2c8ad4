package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Enqueuer for development and tests. Failed
// jobs are redelivered until maxAttempts.
type MemoryQueue struct {
	jobs        chan *Job
	maxAttempts int
	retryDelay  time.Duration
	wg          sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to capacity pending jobs.
func NewMemoryQueue(capacity, maxAttempts int, retryDelay time.Duration) *MemoryQueue {
	return &MemoryQueue{
		jobs:        make(chan *Job, capacity),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Enqueue implements Enqueuer. It blocks when the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.wg.Add(1)
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.wg.Done()
		return ctx.Err()
	}
}

// Run processes jobs with the given number of workers until ctx is done.
func (q *MemoryQueue) Run(ctx context.Context, d *Dispatcher, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.process(ctx, d, job)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *MemoryQueue) process(ctx context.Context, d *Dispatcher, job *Job) {
	job.Attempt++
	err := d.Dispatch(ctx, job)
	if err == nil || IsPermanent(err) || job.Attempt >= q.maxAttempts {
		q.wg.Done()
		return
	}

	delay := q.retryDelay
	if !IsRetryable(err) {
		delay = time.Duration(job.Attempt) * q.retryDelay
	}
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		case <-ctx.Done():
			q.wg.Done()
		}
	})
}

// Wait blocks until every enqueued job has finished or been abandoned.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}
