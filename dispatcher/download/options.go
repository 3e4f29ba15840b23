package download

import (
	"errors"
	"fmt"
	"hash"
	"os"
)

// Option defines optional settings for downloading files.
type Option func(*options) error

type options struct {
	digest       *digest
	progress     bool
	skipExisting bool
	batch        *int
	queue        *Queue
}

func apply(optFns []Option) (options, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return opts, fmt.Errorf("applying option: %w", err)
		}
	}
	return opts, nil
}

// WithChecksum verifies the file against expected, the hex digest h
// should produce, before it is moved into place. An "algo:" prefix on
// expected is ignored. h must not be shared between downloads.
func WithChecksum(h hash.Hash, expected string) Option {
	return func(opts *options) error {
		if h == nil {
			return errors.New("hash must not be nil")
		}
		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}

		d, err := newDigest(h, expected)
		if err != nil {
			return err
		}
		opts.digest = d
		return nil
	}
}

// WithProgress enables periodic download progress logging via the
// logger supplied to Handle.
func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}

// WithSkipExisting causes Handle to return nil immediately when
// the destination file already exists, avoiding a redundant download.
func WithSkipExisting() Option {
	return func(opts *options) error {
		opts.skipExisting = true
		return nil
	}
}

// WithBatch starts a new queue with the given concurrency limit for an
// async download. If maxConcurrent <= 0, concurrency is unlimited.
func WithBatch(maxConcurrent int) Option {
	return func(opts *options) error {
		if opts.queue != nil {
			return errors.New("WithBatch cannot be combined with an existing queue")
		}
		opts.batch = &maxConcurrent
		return nil
	}
}

// withQueue joins an existing queue; used by Result.Add.
func withQueue(q *Queue) Option {
	return func(opts *options) error {
		if opts.batch != nil {
			return errors.New("WithBatch cannot be used when adding to an existing batch")
		}
		opts.queue = q
		return nil
	}
}

// QueueFor returns the queue an async download should run on: the queue
// being added to, a new queue sized by WithBatch, or a new unlimited one.
func QueueFor(optFns ...Option) (*Queue, error) {
	opts, err := apply(optFns)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.queue != nil:
		return opts.queue, nil
	case opts.batch != nil:
		return NewQueue(*opts.batch), nil
	default:
		return NewQueue(0), nil
	}
}

// Check reports whether optFns can be applied, without running anything.
func Check(optFns ...Option) error {
	_, err := apply(optFns)
	return err
}

// Skips reports whether WithSkipExisting is set and destPath already
// exists, in which case nothing needs to be fetched.
func Skips(destPath string, optFns ...Option) (bool, error) {
	opts, err := apply(optFns)
	if err != nil || !opts.skipExisting {
		return false, err
	}

	_, err = os.Stat(destPath)
	return err == nil, nil
}
