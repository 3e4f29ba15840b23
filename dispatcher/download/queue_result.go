package download

import (
	"context"
	"slices"
)

// Result tracks one async download and gives access to the batch it
// belongs to.
type Result struct {
	path   string
	adder  Adder
	done   chan struct{}
	err    error
	cancel context.CancelFunc
	queue  *Queue
}

// Add enqueues another download on the same batch. WithBatch is rejected.
// A download that cannot be started still yields a Result, already done,
// whose error is also reported by Wait.
func (r *Result) Add(ctx context.Context, rawURL, destPath string, optFns ...Option) *Result {
	next, err := r.adder(ctx, rawURL, destPath, slices.Concat([]Option{withQueue(r.queue)}, optFns)...)
	if err == nil {
		return next
	}

	r.queue.fail(destPath, err)

	done := make(chan struct{})
	close(done)

	return &Result{
		path:   destPath,
		adder:  r.adder,
		done:   done,
		err:    err,
		cancel: func() {},
		queue:  r.queue,
	}
}

// Path is the destination this Result writes to.
func (r *Result) Path() string { return r.path }

// Done is closed when this download finishes.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err waits for this download and returns its error.
func (r *Result) Err() error {
	<-r.done
	return r.err
}

// Wait waits for the whole batch. See [Queue.Wait].
func (r *Result) Wait() error {
	return r.queue.Wait()
}

// Cancel ends this download's context.
func (r *Result) Cancel() {
	r.cancel()
}

// Shutdown stops downloads in the batch that have not started yet.
func (r *Result) Shutdown() {
	r.queue.Shutdown()
}
