package dispatcher

import (
	"hash"

	"github.com/adamwoolhether/dispatch/dispatcher/download"
)

// The download types surface here so callers never import the subpackage.
type (
	// DownloadOption defines optional settings for DownloadFile and DownloadAsync.
	DownloadOption = download.Option

	// DownloadError wraps a download sentinel with additional detail. It is
	// carried as the cause of an *Error.
	DownloadError = download.Error

	// DownloadResult represents an in-flight or completed async download.
	DownloadResult = download.Result
)

var (
	// ErrContentLengthMismatch indicates the byte count did not match Content-Length.
	ErrContentLengthMismatch = download.ErrContentLengthMismatch

	// ErrChecksumMismatch indicates the file checksum did not match the expected value.
	ErrChecksumMismatch = download.ErrChecksumMismatch

	// ErrDownloadCancelled indicates the download was cancelled via context.
	ErrDownloadCancelled = download.ErrDownloadCancelled

	// ErrGroupShutdown indicates the download queue was shut down.
	ErrGroupShutdown = download.ErrGroupShutdown
)

// WithChecksum enables checksum validation of the downloaded file.
// h is a [hash.Hash] instance (e.g. sha256.New()), and expected is the
// hex-encoded expected checksum string.
func WithChecksum(h hash.Hash, expected string) DownloadOption {
	return download.WithChecksum(h, expected)
}

// WithProgress enables periodic download progress logging.
func WithProgress() DownloadOption { return download.WithProgress() }

// WithSkipExisting makes a download a no-op, with no request sent, when
// the destination file already exists.
func WithSkipExisting() DownloadOption { return download.WithSkipExisting() }

// WithBatch activates batch mode by creating a download queue with the given
// concurrency limit. If maxConcurrent <= 0, concurrency is unlimited.
func WithBatch(maxConcurrent int) DownloadOption { return download.WithBatch(maxConcurrent) }
