package dispatcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"golang.org/x/net/http2"
)

// maxErrBodySize caps the amount of response body read when
// building an error for an unexpected status code during a download.
const maxErrBodySize = 4 << 10 // 4KB

// Kind classifies a dispatch failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNameResolution means DNS could not resolve the host.
	KindNameResolution
	// KindTLS covers handshake, certificate and record-layer failures.
	KindTLS
	// KindTransport is any other failure before a status line was received.
	KindTransport
	// KindPartialBody means a status line arrived but the body could not be
	// read (or decoded) completely.
	KindPartialBody
	// KindUnsupportedHeader means the caller set User-Agent, Range or
	// Proxy-Connection directly. No I/O was attempted.
	KindUnsupportedHeader
	// KindInvalidHeader means a recognized header carried a value that
	// could not be parsed. No I/O was attempted.
	KindInvalidHeader
	// KindInvalidRequest means the request failed validation.
	KindInvalidRequest
	// KindUnexpectedStatus is only produced by downloads, which refuse to
	// write non-2xx bodies to disk.
	KindUnexpectedStatus
	// KindIntegrity means a downloaded file failed checksum or length checks.
	KindIntegrity
	// KindFilesystem means the download destination could not be prepared
	// or written.
	KindFilesystem
)

var (
	ErrNameResolution    = errors.New("name resolution failure")
	ErrTLS               = errors.New("tls failure")
	ErrTransport         = errors.New("transport failure")
	ErrPartialBody       = errors.New("partial body failure")
	ErrUnsupportedHeader = errors.New("unsupported header")
	ErrInvalidHeader     = errors.New("invalid header value")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnexpectedStatus  = errors.New("unexpected status code")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrFilesystem        = errors.New("filesystem failure")
	errUnknown           = errors.New("dispatch failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNameResolution:
		return ErrNameResolution
	case KindTLS:
		return ErrTLS
	case KindTransport:
		return ErrTransport
	case KindPartialBody:
		return ErrPartialBody
	case KindUnsupportedHeader:
		return ErrUnsupportedHeader
	case KindInvalidHeader:
		return ErrInvalidHeader
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindUnexpectedStatus:
		return ErrUnexpectedStatus
	case KindIntegrity:
		return ErrIntegrity
	case KindFilesystem:
		return ErrFilesystem
	default:
		return errUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindNameResolution:
		return "name_resolution"
	case KindTLS:
		return "tls"
	case KindTransport:
		return "transport"
	case KindPartialBody:
		return "partial_body"
	case KindUnsupportedHeader:
		return "unsupported_header"
	case KindInvalidHeader:
		return "invalid_header"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnexpectedStatus:
		return "unexpected_status"
	case KindIntegrity:
		return "integrity"
	case KindFilesystem:
		return "filesystem"
	default:
		return "unknown"
	}
}

// TransportStatus refines KindTransport (and occasionally KindTLS or
// KindNameResolution) with the underlying reason.
type TransportStatus string

const (
	StatusTimeout          TransportStatus = "timeout"
	StatusCanceled         TransportStatus = "canceled"
	StatusConnect          TransportStatus = "connect"
	StatusProxy            TransportStatus = "proxy"
	StatusConnectionClosed TransportStatus = "connection-closed"
	StatusProtocol         TransportStatus = "protocol"
	StatusUnknown          TransportStatus = "unknown"
)

// Error is the single error type returned by Send and DownloadFile.
// Use errors.Is with the Err* sentinels, or errors.As to inspect fields.
type Error struct {
	Kind Kind
	Op   string

	Method string
	URL    string
	Host   string

	// Status is set for failures that happened on the wire.
	Status TransportStatus
	// StatusCode is set when a status line was received.
	StatusCode int
	// Header names the offending header for KindUnsupportedHeader and
	// KindInvalidHeader.
	Header string
	// Body holds up to 4KB of the response for KindUnexpectedStatus.
	Body string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.sentinel().Error())

	switch {
	case e.Header != "":
		fmt.Fprintf(&b, " %q", e.Header)
	case e.Kind == KindNameResolution && e.Host != "":
		fmt.Fprintf(&b, " for host %q", e.Host)
	}

	if e.Status != "" {
		fmt.Fprintf(&b, " (%s)", e.Status)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, ": %s %s", e.Method, e.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ", body: %s", e.Body)
	}

	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// Temporary reports whether repeating the exchange could reasonably succeed.
// The dispatcher itself never retries.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindNameResolution, KindPartialBody:
		return true
	case KindTransport:
		switch e.Status {
		case StatusTimeout, StatusConnect, StatusConnectionClosed, StatusProtocol:
			return true
		}
	case KindUnexpectedStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}

	return false
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsKind reports whether err is a dispatch error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == k
}

// /////////////////////////////////////////////////////////////////////////////////////////////

// classify turns a failure that happened before any status line was
// received into a typed Error.
func classify(op string, r *http.Request, err error) *Error {
	e := &Error{
		Kind:   KindTransport,
		Op:     op,
		Method: r.Method,
		URL:    redact(r.URL),
		Host:   r.URL.Hostname(),
		Err:    unwrapURLError(err),
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		e.Kind = KindNameResolution
		if dnsErr.Name != "" {
			e.Host = dnsErr.Name
		}
		if dnsErr.IsTimeout {
			e.Status = StatusTimeout
		}
		return e
	}

	if isTLSError(err) {
		e.Kind = KindTLS
		if isTimeout(err) {
			e.Status = StatusTimeout
		}
		return e
	}

	e.Status = transportStatus(err)

	return e
}

func transportStatus(err error) TransportStatus {
	var opErr *net.OpError
	isOp := errors.As(err, &opErr)

	switch {
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return StatusTimeout
	case isOp && opErr.Op == "proxyconnect":
		return StatusProxy
	case isHTTP2Error(err), strings.Contains(err.Error(), "malformed HTTP"):
		return StatusProtocol
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return StatusConnectionClosed
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		isOp && opErr.Op == "dial":
		return StatusConnect
	}

	return StatusUnknown
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isHTTP2Error(err error) bool {
	var (
		streamErr http2.StreamError
		goAwayErr http2.GoAwayError
		connErr   http2.ConnectionError
	)

	return errors.As(err, &streamErr) || errors.As(err, &goAwayErr) || errors.As(err, &connErr)
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		verifyErr   *tls.CertificateVerificationError
		echErr      *tls.ECHRejectionError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		opErr       *net.OpError
	)

	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &echErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	case errors.As(err, &opErr) && (opErr.Op == "remote error" || opErr.Op == "local error"):
		// crypto/tls reports alerts as net.OpError values with these ops.
		return true
	}

	// Handshake failures without a dedicated type are plain errors
	// prefixed with "tls: "; net/http adds its own handshake timeout.
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if strings.HasPrefix(msg, "tls: ") || strings.Contains(msg, "TLS handshake timeout") {
			return true
		}
	}

	return false
}

// unwrapURLError drops the *url.Error layer, whose text repeats the method
// and URL already carried by Error.
func unwrapURLError(err error) error {
	var uErr *url.Error
	if errors.As(err, &uErr) && uErr.Err != nil {
		return uErr.Err
	}
	return err
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
