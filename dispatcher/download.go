package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/dispatch/dispatcher/download"
)

// DownloadFile streams rawURL to destPath. Data is written to a temp file
// in the destination directory and renamed to destPath only once it is
// complete, so a failed download never leaves a truncated file behind.
// Missing parent directories are created.
func (d *Dispatcher) DownloadFile(ctx context.Context, rawURL, destPath string, opts ...DownloadOption) error {
	id := uuid.NewString()
	manual := d.platform.IsAffectedRuntime()

	u, err := parseTarget(rawURL)
	if err != nil {
		err = &Error{Kind: KindInvalidRequest, Op: opDownload, Method: http.MethodGet, URL: rawURL, Err: err}
		d.metrics.observeDownload(err)
		return err
	}

	ctx, span := d.startSpan(ctx, opDownload, http.MethodGet, u, id)

	status, err := d.download(ctx, span, id, u, destPath, manual, opts)

	endSpan(span, status, err)
	d.metrics.observeDownload(err)

	if err != nil {
		d.logger.Debug("download failed", "dispatch_id", id, "url", redact(u), "path", destPath, "error", err)
		return err
	}

	d.logger.Debug("download completed", "dispatch_id", id, "url", redact(u), "path", destPath, "manual_decompression", manual)

	return nil
}

func (d *Dispatcher) download(ctx context.Context, span trace.Span, id string, u *url.URL, destPath string, manual bool, opts []DownloadOption) (int, error) {
	invalid := func(err error) error {
		return &Error{Kind: KindInvalidRequest, Op: opDownload, Method: http.MethodGet, URL: redact(u), Host: u.Hostname(), Err: err}
	}

	if destPath == "" {
		return 0, invalid(errors.New("destPath must not be empty"))
	}
	if err := download.Check(opts...); err != nil {
		return 0, invalid(err)
	}

	skip, err := download.Skips(destPath, opts...)
	if err != nil {
		return 0, invalid(err)
	}
	if skip {
		d.logger.Info("skipping existing file", "dispatch_id", id, "path", destPath)
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, &Error{Kind: KindFilesystem, Op: opDownload, Method: http.MethodGet, URL: redact(u), Host: u.Hostname(), Err: fmt.Errorf("creating destination directory: %w", err)}
	}

	hr, err := d.prepare(ctx, http.MethodGet, u, nil, false)
	if err != nil {
		return 0, decorate(err, opDownload, http.MethodGet, u)
	}
	if manual {
		requestGzip(hr.Header)
	}
	decode := decodesItself(hr.Header)

	settings, err := d.effectiveProxy(ctx, u, nil)
	if err != nil {
		return 0, &Error{Kind: KindTransport, Op: opDownload, Status: StatusProxy, Method: http.MethodGet, URL: redact(u), Host: u.Hostname(), Err: err}
	}

	d.logger.Debug("download started", "dispatch_id", id, "url", redact(u), "path", destPath,
		"proxy", settings.String(), "runtime", d.platform.RuntimeVersion())

	var tracker connTracker
	hr = d.attach(hr, span, settings, &tracker)

	resp, err := d.client.Do(hr)
	if err != nil {
		if manual {
			d.teardown(id, &tracker)
		}
		return 0, classify(opDownload, hr, err)
	}

	var body io.ReadCloser = resp.Body
	defer func() {
		if err := body.Close(); err != nil {
			d.logger.Error("failed to close response body", "dispatch_id", id, "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		if err != nil {
			b = []byte("unable to read body")
		}
		return resp.StatusCode, &Error{
			Kind:       KindUnexpectedStatus,
			Op:         opDownload,
			Method:     http.MethodGet,
			URL:        redact(u),
			Host:       u.Hostname(),
			StatusCode: resp.StatusCode,
			Body:       string(b),
		}
	}

	contentLength := resp.ContentLength
	if decode && isGzip(resp.Header) {
		zr, err := newGzipReadCloser(resp.Body)
		if err != nil {
			d.teardown(id, &tracker)
			return resp.StatusCode, &Error{Kind: KindPartialBody, Op: opDownload, Method: http.MethodGet, URL: redact(u), Host: u.Hostname(), StatusCode: resp.StatusCode, Err: err}
		}
		body = zr
		contentLength = -1
	}

	if err := download.Handle(hr.Context(), body, contentLength, destPath, d.logger, opts...); err != nil {
		if manual {
			d.teardown(id, &tracker)
		}
		return resp.StatusCode, downloadError(hr, resp.StatusCode, err)
	}

	return resp.StatusCode, nil
}

// DownloadAsync starts DownloadFile in the background and returns a
// handle to it. Pass [WithBatch] to bound concurrency, then enqueue more
// downloads on the same batch with [DownloadResult.Add].
func (d *Dispatcher) DownloadAsync(ctx context.Context, rawURL, destPath string, opts ...DownloadOption) (*DownloadResult, error) {
	if destPath == "" {
		return nil, &Error{Kind: KindInvalidRequest, Op: opDownload, Method: http.MethodGet, URL: rawURL, Err: errors.New("destPath must not be empty")}
	}
	if _, err := parseTarget(rawURL); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: opDownload, Method: http.MethodGet, URL: rawURL, Err: err}
	}

	q, err := download.QueueFor(opts...)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: opDownload, Method: http.MethodGet, URL: rawURL, Err: err}
	}

	fn := func(ctx context.Context) error {
		return d.DownloadFile(ctx, rawURL, destPath, opts...)
	}

	return q.Start(ctx, destPath, fn, d.DownloadAsync), nil
}

// downloadError maps a failure from the streaming stage onto an Error.
func downloadError(r *http.Request, statusCode int, err error) *Error {
	e := &Error{
		Kind:       KindPartialBody,
		Op:         opDownload,
		Method:     r.Method,
		URL:        redact(r.URL),
		Host:       r.URL.Hostname(),
		StatusCode: statusCode,
		Err:        err,
	}

	switch {
	case errors.Is(err, download.ErrDestination):
		e.Kind = KindFilesystem
	case errors.Is(err, download.ErrChecksumMismatch), errors.Is(err, download.ErrContentLengthMismatch):
		e.Kind = KindIntegrity
	default:
		e.Status = transportStatus(err)
	}

	return e
}
