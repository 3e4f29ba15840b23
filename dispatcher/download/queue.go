package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// WorkFunc performs one download.
type WorkFunc func(ctx context.Context) error

// Adder matches the Dispatcher.DownloadAsync signature so a Result can
// enqueue more downloads on the same queue.
type Adder func(ctx context.Context, rawURL, destPath string, opts ...Option) (*Result, error)

// Queue runs a batch of async downloads, at most maxConcurrent at a time,
// and collects their failures.
type Queue struct {
	wg      sync.WaitGroup
	slots   chan struct{}
	stopped atomic.Bool
	active  atomic.Int32

	mu     sync.Mutex
	failed []error
}

// NewQueue creates a Queue. maxConcurrent <= 0 means no limit.
func NewQueue(maxConcurrent int) *Queue {
	q := &Queue{}
	if maxConcurrent > 0 {
		q.slots = make(chan struct{}, maxConcurrent)
	}
	return q
}

// Wait blocks until every download started on the queue has finished and
// returns their failures joined, each prefixed with its destination.
func (q *Queue) Wait() error {
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	return errors.Join(q.failed...)
}

// Shutdown makes downloads that have not acquired a slot yet fail with
// ErrGroupShutdown. Running downloads are not interrupted.
func (q *Queue) Shutdown() {
	q.stopped.Store(true)
}

// Active reports how many downloads hold a slot right now.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Start runs fn for destPath in its own goroutine once a slot is free.
func (q *Queue) Start(ctx context.Context, destPath string, fn WorkFunc, adder Adder) *Result {
	ctx, cancel := context.WithCancel(ctx)
	r := &Result{
		path:   destPath,
		adder:  adder,
		done:   make(chan struct{}),
		cancel: cancel,
		queue:  q,
	}

	q.wg.Go(func() {
		defer close(r.done)
		defer cancel()

		r.err = q.run(ctx, fn)
		if r.err != nil {
			q.fail(destPath, r.err)
		}
	})

	return r
}

func (q *Queue) run(ctx context.Context, fn WorkFunc) error {
	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
			defer func() { <-q.slots }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if q.stopped.Load() {
		return ErrGroupShutdown
	}

	q.active.Add(1)
	defer q.active.Add(-1)

	return fn(ctx)
}

func (q *Queue) fail(destPath string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if destPath != "" {
		err = fmt.Errorf("%s: %w", destPath, err)
	}
	q.failed = append(q.failed, err)
}
