package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/dispatch/dispatcher/throttle"
	"github.com/adamwoolhether/dispatch/platform"
	"github.com/adamwoolhether/dispatch/proxy"
	"github.com/adamwoolhether/dispatch/useragent"
)

const (
	opSend     = "send"
	opDownload = "download"
)

// UserAgentBuilder renders the User-Agent header value.
type UserAgentBuilder interface {
	UserAgent(simplified bool) string
}

// Dispatcher performs outbound exchanges. It holds only read-only
// configuration and is safe for concurrent use.
type Dispatcher struct {
	client   *http.Client
	agent    UserAgentBuilder
	resolver proxy.Resolver
	platform platform.Descriptor
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

// Build creates a Dispatcher. Without options it goes direct (no proxy),
// uses the running Go version as an unaffected runtime and a generic
// user agent.
func Build(optFns ...Option) (*Dispatcher, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying dispatcher option: %w", err)
		}
	}

	d := &Dispatcher{
		client:   &http.Client{},
		agent:    useragent.New("dispatch", ""),
		resolver: proxy.None,
		platform: platform.Static(runtimeVersion(), false),
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}

	if opts.client != nil {
		d.client.Timeout = opts.client.Timeout
		d.client.Jar = opts.client.Jar
	}
	if opts.timeout != nil {
		d.client.Timeout = *opts.timeout
	}
	if opts.userAgent != nil {
		d.agent = opts.userAgent
	}
	if opts.resolver != nil {
		d.resolver = opts.resolver
	}
	if opts.platform != nil {
		d.platform = opts.platform
	}
	if opts.logger != nil {
		d.logger = opts.logger
	}
	if opts.tracer != nil {
		d.tracer = opts.tracer
	}
	if opts.registry != nil {
		m, err := newMetrics(opts.registry)
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}

	// Redirects are always surfaced to the caller.
	d.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		t, err := newTransport(opts.tlsConfig)
		if err != nil {
			return nil, err
		}
		transport = t
	}
	if t, ok := transport.(*http.Transport); ok && t.Proxy == nil {
		t = t.Clone()
		t.Proxy = ProxyURL
		transport = t
	}
	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return d.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	d.client.Transport = transport

	return d, nil
}

func runtimeVersion() string { return runtime.Version() }

// Send performs exactly one exchange for req. Any response carrying a status
// line is returned as a *Response, 4xx and 5xx included. Failures before a
// status line, and bodies that cannot be fully read, return an *Error.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	id := uuid.NewString()

	if req == nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: opSend, Err: fmt.Errorf("request must not be nil")}
	}

	// Evaluated once; everything below follows this decision.
	manual := d.platform.IsAffectedRuntime()

	ctx, span := d.startSpan(ctx, opSend, req.Method, req.URL, id)

	resp, err := d.send(ctx, span, id, req, manual)

	var (
		status  int
		elapsed time.Duration
	)
	if resp != nil {
		status, elapsed = resp.StatusCode, resp.Elapsed
	}
	endSpan(span, status, err)
	d.metrics.observeSend(req.Method, elapsed, err)

	if err != nil {
		d.logger.Debug("dispatch failed", "dispatch_id", id, "method", req.Method, "url", redact(req.URL), "error", err)
		return nil, err
	}

	d.logger.Debug("dispatch completed", "dispatch_id", id, "method", req.Method, "url", redact(req.URL),
		"status", resp.StatusCode, "elapsed", resp.Elapsed.String(), "manual_decompression", manual)

	return resp, nil
}

func (d *Dispatcher) send(ctx context.Context, span trace.Span, id string, req *Request, manual bool) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: opSend, Method: req.Method, URL: redact(req.URL), Err: err}
	}

	hr, err := d.prepare(ctx, req.Method, req.URL, req.Body, req.SimplifiedUserAgent)
	if err != nil {
		return nil, decorate(err, opSend, req.Method, req.URL)
	}

	// Header rejections must happen before anything touches the network.
	if err := applyHeaders(hr, req.Header); err != nil {
		return nil, decorate(err, opSend, req.Method, req.URL)
	}
	if !req.KeepAlive {
		hr.Close = true
	}
	if manual {
		requestGzip(hr.Header)
	}
	decode := decodesItself(hr.Header)

	settings, err := d.effectiveProxy(ctx, req.URL, req.Proxy)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: opSend, Status: StatusProxy, Method: req.Method, URL: redact(req.URL), Host: req.URL.Hostname(), Err: err}
	}

	d.logger.Debug("dispatch started", "dispatch_id", id, "method", req.Method, "url", redact(req.URL),
		"proxy", settings.String(), "runtime", d.platform.RuntimeVersion())

	var tracker connTracker
	hr = d.attach(hr, span, settings, &tracker)

	client := d.client
	if req.Timeout > 0 {
		cpy := *d.client
		cpy.Timeout = req.Timeout
		client = &cpy
	}

	start := time.Now()
	resp, err := client.Do(hr)
	if err != nil {
		if manual {
			d.teardown(id, &tracker)
		}
		return nil, classify(opSend, hr, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.logger.Error("failed to close response body", "dispatch_id", id, "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		if manual {
			d.teardown(id, &tracker)
		}
		e := classify(opSend, hr, err)
		e.Kind, e.StatusCode = KindPartialBody, resp.StatusCode
		return nil, e
	}

	header := resp.Header.Clone()
	if decode && isGzip(header) {
		decoded, err := gunzip(body)
		if err != nil {
			return nil, &Error{Kind: KindPartialBody, Op: opSend, Method: req.Method, URL: redact(req.URL), Host: req.URL.Hostname(), StatusCode: resp.StatusCode, Err: err}
		}
		body = decoded
		stripEncoding(header)
	}

	return &Response{
		Request:    req,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Proto:      resp.Proto,
		Header:     header,
		Cookies:    resp.Cookies(),
		Body:       body,
		Elapsed:    elapsed,
	}, nil
}

// prepare creates the transport request with method, body and user agent.
func (d *Dispatcher) prepare(ctx context.Context, method string, u *url.URL, body []byte, simplifiedUA bool) (*http.Request, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("instantiating request: %w", err)}
	}

	hr.Header.Set("User-Agent", d.agent.UserAgent(simplifiedUA))

	return hr, nil
}

// effectiveProxy returns the explicit override when present, otherwise
// asks the resolver about the request's own host.
func (d *Dispatcher) effectiveProxy(ctx context.Context, target *url.URL, override *proxy.Settings) (*proxy.Settings, error) {
	if override != nil {
		if override.Bypassed(target.Host) {
			return nil, nil
		}
		return override, nil
	}

	query := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: target.Path, RawQuery: target.RawQuery}
	s, err := d.resolver.ProxySettings(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("resolving proxy: %w", err)
	}

	return s, nil
}

// attach binds the per-call proxy, trace hooks and propagation headers to hr.
func (d *Dispatcher) attach(hr *http.Request, span trace.Span, settings *proxy.Settings, tracker *connTracker) *http.Request {
	ctx := hr.Context()
	if settings != nil {
		ctx = withProxyURL(ctx, settings.URL())
	}
	ctx = httptrace.WithClientTrace(ctx, clientTrace(span, tracker.gotConn))

	hr = hr.WithContext(ctx)
	injectTrace(ctx, hr.Header)

	return hr
}

// decorate fills in request context on errors raised before the exchange.
func decorate(err error, op, method string, u *url.URL) error {
	if e, ok := AsError(err); ok {
		e.Op, e.Method, e.URL = op, method, redact(u)
		if u != nil {
			e.Host = u.Hostname()
		}
		return e
	}
	return err
}
