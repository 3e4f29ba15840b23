package dispatcher_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/dispatch/dispatcher"
	"github.com/adamwoolhether/dispatch/platform"
	"github.com/adamwoolhether/dispatch/proxy"
	"github.com/adamwoolhether/dispatch/useragent"
)

var (
	affected   = platform.Static("go1.20.14", true)
	unaffected = platform.Static("go1.26.0", false)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func build(t *testing.T, opts ...dispatcher.Option) *dispatcher.Dispatcher {
	t.Helper()

	d, err := dispatcher.Build(append([]dispatcher.Option{dispatcher.WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("building dispatcher: %v", err)
	}

	return d
}

func newRequest(t *testing.T, method, rawURL string, opts ...dispatcher.RequestOption) *dispatcher.Request {
	t.Helper()

	req, err := dispatcher.NewRequest(method, rawURL, opts...)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}

	return req
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestSend_ResolverQueriedWithRequestHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	var (
		mu   sync.Mutex
		seen []*url.URL
	)
	resolver := proxy.ResolverFunc(func(ctx context.Context, u *url.URL) (*proxy.Settings, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u)
		return nil, nil
	})

	d := build(t, dispatcher.WithProxyResolver(resolver))

	req := newRequest(t, http.MethodGet, ts.URL+"/items?page=2")
	if _, err := d.Send(t.Context(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected one resolver call, got %d", len(seen))
	}
	if seen[0].Host != req.URL.Host {
		t.Errorf("resolver host %q, want %q", seen[0].Host, req.URL.Host)
	}
	if seen[0].Path != "/items" || seen[0].RawQuery != "page=2" {
		t.Errorf("resolver should see the full target, got %s", seen[0])
	}
}

func TestSend_BodyWrittenBeforeResponseRead(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	payload := bytes.Repeat([]byte("x"), 64<<10)

	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(got, payload) {
			return nil, fmt.Errorf("transport saw %d bytes, want %d", len(got), len(payload))
		}
		record("request body written")

		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Proto:      "HTTP/1.1",
			Header:     http.Header{},
			Body: io.NopCloser(readFunc(func(p []byte) (int, error) {
				record("response body read")
				return 0, io.EOF
			})),
			Request: r,
		}, nil
	})

	d := build(t, dispatcher.WithTransport(transport))

	req := newRequest(t, http.MethodPost, "http://double.example/upload", dispatcher.WithBody(payload))
	if _, err := d.Send(t.Context(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0] != "request body written" {
		t.Errorf("request body must be written before the response is read, got %v", events)
	}
}

type readFunc func([]byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }

func TestSend_UnsupportedHeadersFailWithoutIO(t *testing.T) {
	for _, name := range []string{"User-Agent", "Range", "Proxy-Connection", "user-agent"} {
		t.Run(name, func(t *testing.T) {
			var roundTrips, resolves atomic.Int32

			transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
				roundTrips.Add(1)
				return nil, errors.New("must not be called")
			})
			resolver := proxy.ResolverFunc(func(context.Context, *url.URL) (*proxy.Settings, error) {
				resolves.Add(1)
				return nil, nil
			})

			d := build(t, dispatcher.WithTransport(transport), dispatcher.WithProxyResolver(resolver))

			req := newRequest(t, http.MethodGet, "http://origin.example/", dispatcher.WithHeader(name, "value"))
			resp, err := d.Send(t.Context(), req)
			if resp != nil {
				t.Error("expected no response")
			}
			if !errors.Is(err, dispatcher.ErrUnsupportedHeader) {
				t.Fatalf("expected ErrUnsupportedHeader, got %v", err)
			}

			e, _ := dispatcher.AsError(err)
			if e.Header != http.CanonicalHeaderKey(name) {
				t.Errorf("exp header %q, got %q", http.CanonicalHeaderKey(name), e.Header)
			}
			if roundTrips.Load() != 0 || resolves.Load() != 0 {
				t.Errorf("no I/O expected, got %d round trips and %d resolves", roundTrips.Load(), resolves.Load())
			}
		})
	}
}

func TestSend_Decompression(t *testing.T) {
	plain := []byte(strings.Repeat("compressible content ", 100))
	compressed := gzipBytes(t, plain)

	var sawAcceptEncoding atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAcceptEncoding.Store(r.Header.Get("Accept-Encoding"))
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = w.Write(plain)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
		_, _ = w.Write(compressed)
	}))
	defer ts.Close()

	for name, desc := range map[string]platform.Descriptor{"manual": affected, "automatic": unaffected} {
		t.Run(name, func(t *testing.T) {
			d := build(t, dispatcher.WithPlatform(desc))

			resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !bytes.Equal(resp.Body, plain) {
				t.Errorf("body not decoded: got %d bytes, want %d", len(resp.Body), len(plain))
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding should be stripped, got %q", ce)
			}
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				t.Errorf("Content-Length of the encoded body should be stripped, got %q", cl)
			}
			if ae, _ := sawAcceptEncoding.Load().(string); ae != "gzip" {
				t.Errorf("server should be offered gzip, got %q", ae)
			}
		})
	}
}

func TestSend_ManualModeKeepsCallerAcceptEncoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Accept-Encoding")))
	}))
	defer ts.Close()

	d := build(t, dispatcher.WithPlatform(affected))

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL, dispatcher.WithHeader("Accept-Encoding", "identity")))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "identity" {
		t.Errorf("exp identity, got %q", resp.Body)
	}
}

func TestSend_CallerAcceptEncodingDecoded(t *testing.T) {
	plain := []byte(strings.Repeat("caller asked for gzip ", 50))
	compressed := gzipBytes(t, plain)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer ts.Close()

	for name, desc := range map[string]platform.Descriptor{"manual": affected, "automatic": unaffected} {
		t.Run(name, func(t *testing.T) {
			d := build(t, dispatcher.WithPlatform(desc))

			resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL, dispatcher.WithHeader("Accept-Encoding", "gzip")))
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(resp.Body, plain) {
				t.Errorf("body not decoded: got %d bytes, want %d", len(resp.Body), len(plain))
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding should be stripped, got %q", ce)
			}
		})
	}
}

func TestSend_StatusCodesAreResponses(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusFound} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if code == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(code)
				_, _ = w.Write([]byte("status body"))
			}))
			defer ts.Close()

			d := build(t)

			resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
			if err != nil {
				t.Fatalf("status-bearing outcome must not be an error: %v", err)
			}
			if resp.StatusCode != code {
				t.Errorf("exp status %d, got %d", code, resp.StatusCode)
			}
			if string(resp.Body) != "status body" {
				t.Errorf("exp body, got %q", resp.Body)
			}
			if resp.IsSuccess() {
				t.Error("IsSuccess must be false")
			}
		})
	}
}

func TestSend_NameResolutionFailure(t *testing.T) {
	transport := &http.Transport{
		Proxy: dispatcher.ProxyURL,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(addr)
			return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}}
		},
	}

	for name, desc := range map[string]platform.Descriptor{"manual": affected, "automatic": unaffected} {
		t.Run(name, func(t *testing.T) {
			d := build(t, dispatcher.WithTransport(transport), dispatcher.WithPlatform(desc))

			_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://missing.example.test/"))
			if !errors.Is(err, dispatcher.ErrNameResolution) {
				t.Fatalf("expected ErrNameResolution, got %v", err)
			}

			e, _ := dispatcher.AsError(err)
			if e.Host != "missing.example.test" {
				t.Errorf("exp host missing.example.test, got %q", e.Host)
			}
			if !strings.Contains(err.Error(), "missing.example.test") {
				t.Errorf("message should name the host: %q", err.Error())
			}
		})
	}
}

func TestSend_TLSFailure(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	d := build(t)

	_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
	if !errors.Is(err, dispatcher.ErrTLS) {
		t.Fatalf("expected ErrTLS, got %v", err)
	}
	if errors.Is(err, dispatcher.ErrTransport) {
		t.Error("tls failures must be distinguishable from transport failures")
	}
}

func TestSend_TLSTrusted(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer ts.Close()

	tlsConfig := ts.Client().Transport.(*http.Transport).TLSClientConfig
	d := build(t, dispatcher.WithTLSConfig(tlsConfig))

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "secure" {
		t.Errorf("exp secure, got %q", resp.Body)
	}
}

func TestSend_ConnectFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := ts.URL
	ts.Close()

	d := build(t, dispatcher.WithPlatform(affected))

	_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, target))
	if !errors.Is(err, dispatcher.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	e, _ := dispatcher.AsError(err)
	if e.Status != dispatcher.StatusConnect {
		t.Errorf("exp status %q, got %q", dispatcher.StatusConnect, e.Status)
	}
	if e.URL != target {
		t.Errorf("exp url %q, got %q", target, e.URL)
	}
}

func TestSend_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	testCases := []struct {
		name string
		opts []dispatcher.Option
		req  []dispatcher.RequestOption
	}{
		{name: "dispatcher default", opts: []dispatcher.Option{dispatcher.WithTimeout(50 * time.Millisecond)}},
		{name: "per request", req: []dispatcher.RequestOption{dispatcher.WithRequestTimeout(50 * time.Millisecond)}},
		{name: "per request on affected runtime", opts: []dispatcher.Option{dispatcher.WithPlatform(affected)}, req: []dispatcher.RequestOption{dispatcher.WithRequestTimeout(50 * time.Millisecond)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := build(t, tc.opts...)

			start := time.Now()
			_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL, tc.req...))
			if !errors.Is(err, dispatcher.ErrTransport) {
				t.Fatalf("expected ErrTransport, got %v", err)
			}

			e, _ := dispatcher.AsError(err)
			if e.Status != dispatcher.StatusTimeout {
				t.Errorf("exp status %q, got %q", dispatcher.StatusTimeout, e.Status)
			}
			if !e.Temporary() {
				t.Error("timeouts should be temporary")
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("timeout not honoured, took %v", elapsed)
			}
		})
	}
}

func TestSend_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	d := build(t)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := d.Send(ctx, newRequest(t, http.MethodGet, ts.URL))

	e, ok := dispatcher.AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if e.Kind != dispatcher.KindTransport || e.Status != dispatcher.StatusCanceled {
		t.Errorf("exp transport/canceled, got %v/%v", e.Kind, e.Status)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("context.Canceled should stay reachable")
	}
}

func TestSend_PartialBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("only ten b"))
	}))
	defer ts.Close()

	for name, desc := range map[string]platform.Descriptor{"manual": affected, "automatic": unaffected} {
		t.Run(name, func(t *testing.T) {
			d := build(t, dispatcher.WithPlatform(desc))

			resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
			if resp != nil {
				t.Error("expected no response")
			}
			if !errors.Is(err, dispatcher.ErrPartialBody) {
				t.Fatalf("expected ErrPartialBody, got %v", err)
			}

			e, _ := dispatcher.AsError(err)
			if e.StatusCode != http.StatusOK {
				t.Errorf("exp original status 200, got %d", e.StatusCode)
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("read error should stay reachable, got %v", err)
			}
		})
	}
}

func TestSend_CorruptGzipIsPartialBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer ts.Close()

	d := build(t, dispatcher.WithPlatform(affected))

	_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
	if !errors.Is(err, dispatcher.ErrPartialBody) {
		t.Fatalf("expected ErrPartialBody, got %v", err)
	}
}

func TestSend_ConcurrentCallsAreIsolated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		time.Sleep(5 * time.Millisecond)
		w.Header().Set("X-Echo-Call", r.Header.Get("X-Call"))
		_, _ = fmt.Fprintf(w, "%s|%s|%s", r.URL.Path, r.Header.Get("X-Call"), body)
	}))
	defer ts.Close()

	var (
		mu       sync.Mutex
		resolved = map[string]int{}
	)
	resolver := proxy.ResolverFunc(func(_ context.Context, u *url.URL) (*proxy.Settings, error) {
		mu.Lock()
		defer mu.Unlock()
		resolved[u.Path]++
		return nil, nil
	})

	d := build(t, dispatcher.WithProxyResolver(resolver))

	const n = 32
	reqs := make([]*dispatcher.Request, n)
	for i := range n {
		id := strconv.Itoa(i)
		reqs[i] = newRequest(t, http.MethodPost, ts.URL+"/call/"+id,
			dispatcher.WithHeader("X-Call", id),
			dispatcher.WithBody([]byte("payload-"+id)),
		)
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Go(func() {
			id := strconv.Itoa(i)

			resp, err := d.Send(t.Context(), req)
			if err != nil {
				t.Errorf("call %s: %v", id, err)
				return
			}

			exp := fmt.Sprintf("/call/%s|%s|payload-%s", id, id, id)
			if diff := cmp.Diff(exp, string(resp.Body)); diff != "" {
				t.Errorf("call %s body mismatch (-want +got):\n%s", id, diff)
			}
			if got := resp.Header.Get("X-Echo-Call"); got != id {
				t.Errorf("call %s saw header of call %s", id, got)
			}
			if resp.Request != req {
				t.Errorf("call %s response points at another request", id)
			}
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := range n {
		if c := resolved["/call/"+strconv.Itoa(i)]; c != 1 {
			t.Errorf("call %d resolved %d times", i, c)
		}
	}
}

func TestSend_UserAgent(t *testing.T) {
	var got atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
	}))
	defer ts.Close()

	ua := useragent.New("catalog-sync", "2.1.0", "build 7")
	d := build(t, dispatcher.WithUserAgent(ua))

	if _, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL)); err != nil {
		t.Fatal(err)
	}
	if exp := ua.UserAgent(false); got.Load() != exp {
		t.Errorf("exp %q, got %q", exp, got.Load())
	}

	if _, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL, dispatcher.WithSimplifiedUserAgent())); err != nil {
		t.Fatal(err)
	}
	if got.Load() != "catalog-sync/2.1.0" {
		t.Errorf("exp simplified agent, got %q", got.Load())
	}
}

func TestSend_HeadersReachServer(t *testing.T) {
	type seen struct {
		Accept      string
		ContentType string
		Referer     string
		Date        string
		Host        string
		Custom      []string
		Close       bool
	}

	seenCh := make(chan seen, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- seen{
			Accept:      r.Header.Get("Accept"),
			ContentType: r.Header.Get("Content-Type"),
			Referer:     r.Header.Get("Referer"),
			Date:        r.Header.Get("Date"),
			Host:        r.Host,
			Custom:      r.Header.Values("X-Custom"),
			Close:       r.Close,
		}
	}))
	defer ts.Close()

	d := build(t)

	req := newRequest(t, http.MethodPost, ts.URL,
		dispatcher.WithBody([]byte("{}")),
		dispatcher.WithHeader("Accept", "application/json"),
		dispatcher.WithHeader("Content-Type", "application/json"),
		dispatcher.WithHeader("Referer", "https://ref.example/"),
		dispatcher.WithHeader("Date", "Sun, 06 Nov 1994 08:49:37 GMT"),
		dispatcher.WithHeader("Host", "virtual.example"),
		dispatcher.WithHeader("X-Custom", "one", "two"),
		dispatcher.WithKeepAlive(false),
	)

	resp, err := d.Send(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exp 200, got %d", resp.StatusCode)
	}
	got := <-seenCh

	exp := seen{
		Accept:      "application/json",
		ContentType: "application/json",
		Referer:     "https://ref.example/",
		Date:        "Sun, 06 Nov 1994 08:49:37 GMT",
		Host:        "virtual.example",
		Custom:      []string{"one", "two"},
		Close:       true,
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("server saw (-want +got):\n%s", diff)
	}
}

func TestSend_ExplicitProxy(t *testing.T) {
	var (
		viaProxy       atomic.Int32
		proxyAuthValue atomic.Value
	)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaProxy.Add(1)
		proxyAuthValue.Store(r.Header.Get("Proxy-Authorization"))
		_, _ = fmt.Fprintf(w, "proxied %s", r.RequestURI)
	}))
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	port, _ := strconv.Atoi(proxyURL.Port())

	settings := &proxy.Settings{Scheme: "http", Host: proxyURL.Hostname(), Port: port, Username: "agent", Password: "s3cret"}

	resolver := proxy.ResolverFunc(func(context.Context, *url.URL) (*proxy.Settings, error) {
		t.Error("resolver must not be consulted when the request carries a proxy")
		return nil, nil
	})
	d := build(t, dispatcher.WithProxyResolver(resolver))

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://origin.example.test/thing", dispatcher.WithProxy(settings)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(resp.Body) != "proxied http://origin.example.test/thing" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if viaProxy.Load() != 1 {
		t.Errorf("expected one proxied request, got %d", viaProxy.Load())
	}
	if auth, _ := proxyAuthValue.Load().(string); !strings.HasPrefix(auth, "Basic ") {
		t.Errorf("expected basic proxy credentials, got %q", auth)
	}
}

func TestSend_CustomTransportHonorsProxy(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "proxied %s", r.RequestURI)
	}))
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	port, _ := strconv.Atoi(proxyURL.Port())
	settings := &proxy.Settings{Scheme: "http", Host: proxyURL.Hostname(), Port: port}

	custom := &http.Transport{}
	hc := &http.Client{Transport: &http.Transport{}}

	testCases := map[string]dispatcher.Option{
		"WithTransport": dispatcher.WithTransport(custom),
		"WithClient":    dispatcher.WithClient(hc),
	}

	for name, opt := range testCases {
		t.Run(name, func(t *testing.T) {
			d := build(t, opt)

			resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://origin.example.test/thing", dispatcher.WithProxy(settings)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(resp.Body) != "proxied http://origin.example.test/thing" {
				t.Errorf("request did not go through the proxy, got %q", resp.Body)
			}
		})
	}

	if custom.Proxy != nil || hc.Transport.(*http.Transport).Proxy != nil {
		t.Error("caller transports must not be mutated")
	}
}

func TestSend_ResolvedProxyAndBypass(t *testing.T) {
	var viaProxy atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaProxy.Add(1)
		_, _ = w.Write([]byte("proxy"))
	}))
	defer proxySrv.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin"))
	}))
	defer origin.Close()

	settings, err := proxy.Parse(proxySrv.URL)
	if err != nil {
		t.Fatal(err)
	}

	d := build(t, dispatcher.WithProxyResolver(proxy.Static(settings)))

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://remote.example.test/"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "proxy" {
		t.Errorf("expected the resolved proxy to serve the request, got %q", resp.Body)
	}

	bypassing := *settings
	bypassing.Bypass = []string{"127.0.0.1"}
	resp, err = d.Send(t.Context(), newRequest(t, http.MethodGet, origin.URL, dispatcher.WithProxy(&bypassing)))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "origin" {
		t.Errorf("bypassed host should go direct, got %q", resp.Body)
	}
	if viaProxy.Load() != 1 {
		t.Errorf("expected exactly one proxied request, got %d", viaProxy.Load())
	}
}

func TestSend_ResolverFailure(t *testing.T) {
	var roundTrips atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		roundTrips.Add(1)
		return nil, errors.New("must not be called")
	})
	boom := errors.New("pac script unavailable")
	resolver := proxy.ResolverFunc(func(context.Context, *url.URL) (*proxy.Settings, error) {
		return nil, boom
	})

	d := build(t, dispatcher.WithTransport(transport), dispatcher.WithProxyResolver(resolver))

	_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://origin.example/"))

	e, ok := dispatcher.AsError(err)
	if !ok || e.Kind != dispatcher.KindTransport || e.Status != dispatcher.StatusProxy {
		t.Fatalf("expected transport/proxy error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("resolver error should stay reachable")
	}
	if roundTrips.Load() != 0 {
		t.Error("no exchange expected after a resolver failure")
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	d := build(t)

	testCases := map[string]*dispatcher.Request{
		"nil":       nil,
		"no url":    {Method: http.MethodGet},
		"no method": {URL: &url.URL{Scheme: "http", Host: "a.example"}},
		"negative timeout": {
			URL:     &url.URL{Scheme: "http", Host: "a.example"},
			Method:  http.MethodGet,
			Timeout: -time.Second,
		},
	}

	for name, req := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Send(t.Context(), req)
			if !errors.Is(err, dispatcher.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestSend_CookiesAndElapsed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer ts.Close()

	d := build(t)

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL))
	if err != nil {
		t.Fatal(err)
	}

	if len(resp.Cookies) != 1 || resp.Cookies[0].Value != "abc" {
		t.Errorf("unexpected cookies %v", resp.Cookies)
	}
	if resp.Elapsed < 10*time.Millisecond {
		t.Errorf("elapsed should cover the exchange, got %v", resp.Elapsed)
	}

	var decoded struct {
		ID int `json:"id"`
	}
	if err := resp.Decode(&decoded); err != nil || decoded.ID != 7 {
		t.Errorf("decode: %v, %+v", err, decoded)
	}
}

func TestSend_WithThrottle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	d := build(t, dispatcher.WithThrottle(1, 1))

	if _, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL)); err != nil {
		t.Fatal(err)
	}

	_, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL, dispatcher.WithRequestTimeout(50*time.Millisecond)))

	e, ok := dispatcher.AsError(err)
	if !ok || e.Status != dispatcher.StatusTimeout {
		t.Fatalf("a throttle wait past the deadline should classify as timeout, got %v", err)
	}
}

func TestBuild_OptionValidation(t *testing.T) {
	testCases := map[string]dispatcher.Option{
		"nil client":       dispatcher.WithClient(nil),
		"nil transport":    dispatcher.WithTransport(nil),
		"nil tls":          dispatcher.WithTLSConfig(nil),
		"negative timeout": dispatcher.WithTimeout(-time.Second),
		"nil agent":        dispatcher.WithUserAgent(nil),
		"nil resolver":     dispatcher.WithProxyResolver(nil),
		"nil platform":     dispatcher.WithPlatform(nil),
		"zero throttle":    dispatcher.WithThrottle(0, 1),
		"nil logger":       dispatcher.WithLogger(nil),
		"nil tracer":       dispatcher.WithTracer(nil),
		"nil registerer":   dispatcher.WithMetrics(nil),
	}

	for name, opt := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := dispatcher.Build(opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuild_WithClientIsNotMutated(t *testing.T) {
	var called atomic.Bool
	hc := &http.Client{
		Timeout: 5 * time.Second,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			called.Store(true)
			return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Header: http.Header{}, Request: r}, nil
		}),
	}

	d := build(t, dispatcher.WithClient(hc))

	resp, err := d.Send(t.Context(), newRequest(t, http.MethodGet, "http://custom.example/"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNoContent || !called.Load() {
		t.Error("expected the supplied client's transport to serve the request")
	}
	if hc.CheckRedirect != nil {
		t.Error("the supplied client must not be mutated")
	}
}

type recordingTracer struct {
	noop.Tracer

	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestSend_Tracing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	tracer := &recordingTracer{}
	d := build(t, dispatcher.WithTracer(tracer))

	if _, err := d.Send(t.Context(), newRequest(t, http.MethodGet, ts.URL)); err != nil {
		t.Fatal(err)
	}
	if err := d.DownloadFile(t.Context(), ts.URL, t.TempDir()+"/f"); err != nil {
		t.Fatal(err)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	if diff := cmp.Diff([]string{"dispatch.send", "dispatch.download"}, tracer.names); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
}
