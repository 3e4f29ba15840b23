package dispatcher

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// requestGzip asks for gzip explicitly. With an explicit Accept-Encoding
// the transport no longer decodes the body, leaving it to the caller.
// A caller-supplied Accept-Encoding is kept as is.
func requestGzip(h http.Header) {
	if h.Get("Accept-Encoding") == "" {
		h.Set("Accept-Encoding", "gzip")
	}
}

// decodesItself reports whether the dispatcher, not the transport, must
// decode the response to a request with header h. The transport only
// decodes when it chose Accept-Encoding on its own.
func decodesItself(h http.Header) bool {
	return h.Get("Accept-Encoding") != ""
}

func isGzip(h http.Header) bool {
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		return true
	}
	return false
}

// stripEncoding removes the headers describing the encoded form, matching
// what the transport does when it decodes on its own.
func stripEncoding(h http.Header) {
	h.Del("Content-Encoding")
	h.Del("Content-Length")
}

// gunzip decodes a fully buffered gzip body.
func gunzip(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("reading gzip stream: %w", err)
	}

	return out, nil
}

// gzipReadCloser decodes a streamed gzip body and closes both layers.
type gzipReadCloser struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func newGzipReadCloser(body io.ReadCloser) (*gzipReadCloser, error) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return &gzipReadCloser{zr: zr, body: body}, nil
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.zr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}
