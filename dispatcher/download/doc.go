// Package download streams response bodies to disk with optional
// checksum validation and progress reporting.
//
// # Single Download
//
// [Handle] writes the body to a temporary file alongside the destination
// path and renames it over the destination only once everything has been
// written, verified, synced and closed. On any failure the temporary file
// is removed, so the destination never holds a truncated file:
//
//	err := download.Handle(ctx, body, contentLength, destPath, logger,
//		download.WithChecksum(sha256.New(), expectedHex),
//	)
//
// # Batches
//
// A [Queue] runs downloads concurrently with an optional concurrency limit;
// each started download is tracked by a [Result].
//
// Most callers should use the higher-level
// [github.com/adamwoolhether/dispatch/dispatcher] package, which invokes
// Handle internally and re-exports the download options.
package download
