package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// tempPattern names in-progress files; the leading dot keeps them out of
// casual directory listings.
const tempPattern = ".dispatch-dl-*"

// Handle streams body to a temp file in the same directory as destPath,
// which is renamed over destPath on success. On any error the temp file
// is removed and destPath is left untouched.
func Handle(ctx context.Context, body io.Reader, contentLength int64, destPath string, logger *slog.Logger, optFns ...Option) error {
	opts, err := apply(optFns)
	if err != nil {
		return err
	}

	if opts.skipExisting {
		if _, err := os.Stat(destPath); err == nil {
			logger.Info("skipping existing file", "path", destPath)
			return nil
		}
	}

	file, err := os.CreateTemp(filepath.Dir(destPath), tempPattern)
	if err != nil {
		return &Error{Err: ErrDestination, Detail: "creating temp file", Cause: err}
	}

	var successful bool
	defer func() {
		if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Error("defer closing temp file", "error", err)
		}
		if !successful {
			if err := os.Remove(file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Error("failed to remove temp file", "path", file.Name(), "error", err)
			}
		}
	}()

	sinks := []io.Writer{&destWriter{w: file}}
	if opts.digest != nil {
		sinks = append(sinks, opts.digest)
	}
	var prog *progress
	if opts.progress {
		prog = newProgress(logger, destPath, contentLength)
		sinks = append(sinks, prog)
	}

	n, err := io.Copy(io.MultiWriter(sinks...), &sourceReader{ctx: ctx, r: body})
	if err != nil {
		var dwErr *destWriteError
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return &Error{Err: ErrDownloadCancelled, Detail: fmt.Sprintf("after %d bytes", n), Cause: err}
		case errors.As(err, &dwErr):
			return &Error{Err: ErrDestination, Detail: "writing temp file", Cause: dwErr.err}
		default:
			return &Error{Err: ErrSourceRead, Detail: fmt.Sprintf("after %d bytes", n), Cause: err}
		}
	}

	if err := check(opts.digest, n, contentLength); err != nil {
		return err
	}

	if err := file.Sync(); err != nil {
		return &Error{Err: ErrDestination, Detail: "syncing temp file", Cause: err}
	}
	if err := file.Close(); err != nil {
		return &Error{Err: ErrDestination, Detail: "closing temp file", Cause: err}
	}
	if err := os.Rename(file.Name(), destPath); err != nil {
		return &Error{Err: ErrDestination, Detail: "renaming temp file", Cause: err}
	}

	successful = true
	if prog != nil {
		prog.done()
	}

	return nil
}

// sourceReader stops a copy as soon as ctx ends, even if the underlying
// reader would keep delivering buffered data.
type sourceReader struct {
	ctx context.Context
	r   io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.r.Read(p)
}

// destWriter tags write failures so they can be told apart from read
// failures after io.Copy returns.
type destWriter struct {
	w io.Writer
}

type destWriteError struct{ err error }

func (e *destWriteError) Error() string { return e.err.Error() }
func (e *destWriteError) Unwrap() error { return e.err }

func (d *destWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		return n, &destWriteError{err: err}
	}
	return n, nil
}
