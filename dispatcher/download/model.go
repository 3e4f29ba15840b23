package download

import (
	"errors"
	"fmt"
)

var (
	ErrContentLengthMismatch = errors.New("content length mismatch")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrDownloadCancelled     = errors.New("download cancelled")
	ErrGroupShutdown         = errors.New("download queue shut down")

	// ErrSourceRead means the body could not be read to the end.
	ErrSourceRead = errors.New("reading download source")
	// ErrDestination means the destination file could not be created,
	// written, synced or renamed.
	ErrDestination = errors.New("writing download destination")
)

// Error wraps one of the package sentinels with detail and, where there
// is one, the underlying cause.
type Error struct {
	Detail string
	Err    error
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Err, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
