package dispatcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/adamwoolhether/dispatch/proxy"
)

// Request describes one outbound exchange. Build it with NewRequest and
// treat it as immutable once handed to the Dispatcher.
type Request struct {
	URL    *url.URL `validate:"required"`
	Method string   `validate:"required"`
	Body   []byte
	Header http.Header

	// KeepAlive keeps the connection open for reuse after the exchange.
	KeepAlive bool

	// Timeout bounds the whole exchange, body included. Zero keeps the
	// dispatcher's default.
	Timeout time.Duration `validate:"gte=0"`

	// Proxy overrides proxy resolution for this request.
	Proxy *proxy.Settings

	// SimplifiedUserAgent selects the short user-agent form.
	SimplifiedUserAgent bool
}

// RequestOption is a functional option for [NewRequest].
type RequestOption func(r *Request) error

// NewRequest builds a Request for method and rawURL. KeepAlive defaults to true.
func NewRequest(method, rawURL string, opts ...RequestOption) (*Request, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	r := Request{
		URL:       u,
		Method:    method,
		Header:    make(http.Header),
		KeepAlive: true,
	}

	for _, opt := range opts {
		if err := opt(&r); err != nil {
			return nil, err
		}
	}

	return &r, nil
}

// parseTarget accepts absolute http and https URLs only.
func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url must include a host")
	}

	return u, nil
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	cpy := *r
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			usr := *r.URL.User
			u.User = &usr
		}
		cpy.URL = &u
	}
	cpy.Body = slices.Clone(r.Body)
	cpy.Header = r.Header.Clone()
	if r.Proxy != nil {
		p := *r.Proxy
		p.Bypass = slices.Clone(r.Proxy.Bypass)
		cpy.Proxy = &p
	}

	return &cpy
}

// WithBody sets the raw request body.
func WithBody(body []byte) RequestOption {
	return func(r *Request) error {
		r.Body = slices.Clone(body)
		return nil
	}
}

// WithJSON encodes v as the request body and sets Content-Type to
// application/json unless a Content-Type is already present.
func WithJSON(v any) RequestOption {
	return func(r *Request) error {
		var payload bytes.Buffer
		if err := json.NewEncoder(&payload).Encode(v); err != nil {
			return fmt.Errorf("encoding request payload: %w", err)
		}

		r.Body = payload.Bytes()
		if r.Header.Get("Content-Type") == "" {
			r.Header.Set("Content-Type", "application/json")
		}

		return nil
	}
}

// WithHeader adds values for key, preserving their order.
func WithHeader(key string, values ...string) RequestOption {
	return func(r *Request) error {
		if key == "" {
			return errors.New("header name must not be empty")
		}
		for _, v := range values {
			r.Header.Add(key, v)
		}
		return nil
	}
}

// WithHeaders adds every header in h.
func WithHeaders(h http.Header) RequestOption {
	return func(r *Request) error {
		for k, v := range h {
			for _, element := range v {
				r.Header.Add(k, element)
			}
		}
		return nil
	}
}

// WithKeepAlive toggles connection reuse.
func WithKeepAlive(keepAlive bool) RequestOption {
	return func(r *Request) error {
		r.KeepAlive = keepAlive
		return nil
	}
}

// WithRequestTimeout bounds this exchange, overriding the dispatcher default.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *Request) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		r.Timeout = d
		return nil
	}
}

// WithProxy routes this request through s regardless of the resolver.
func WithProxy(s *proxy.Settings) RequestOption {
	return func(r *Request) error {
		if s == nil {
			return errors.New("proxy settings must not be nil")
		}
		if err := s.Validate(); err != nil {
			return err
		}
		r.Proxy = s
		return nil
	}
}

// WithSimplifiedUserAgent selects the short user-agent form.
func WithSimplifiedUserAgent() RequestOption {
	return func(r *Request) error {
		r.SimplifiedUserAgent = true
		return nil
	}
}

// /////////////////////////////////////////////////////////////////////////////////////////////

// Response is the outcome of an exchange that produced a status line,
// whatever the status code.
type Response struct {
	// Request points back at the request that produced this response.
	Request *Request

	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
	Cookies    []*http.Cookie
	Body       []byte

	// Elapsed runs from just before transmission to just after the body
	// was fully read.
	Elapsed time.Duration
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into dest, which must be a pointer.
func (r *Response) Decode(dest any) error {
	d := json.NewDecoder(bytes.NewReader(r.Body))
	if err := d.Decode(dest); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}

	return nil
}
