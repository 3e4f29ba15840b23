package dispatcher

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
)

// headerRule describes how a recognized header reaches the transport.
// A rule with a non-empty reject reason refuses the header outright.
type headerRule struct {
	apply  func(r *http.Request, value string) error
	reject string
}

// headerRules is the closed set of headers with dedicated handling. Every
// other header is passed through unchanged.
var headerRules = map[string]headerRule{
	"Accept":            {apply: setHeader("Accept")},
	"Connection":        {apply: applyConnection},
	"Content-Length":    {apply: applyContentLength},
	"Content-Type":      {apply: setHeader("Content-Type")},
	"Date":              {apply: setDateHeader("Date")},
	"Expect":            {apply: setHeader("Expect")},
	"Host":              {apply: applyHost},
	"If-Modified-Since": {apply: setDateHeader("If-Modified-Since")},
	"Referer":           {apply: setHeader("Referer")},
	"Transfer-Encoding": {apply: applyTransferEncoding},
	"User-Agent":        {reject: "the user agent is controlled by the dispatcher's user-agent builder"},
	"Range":             {reject: "range requests are not implemented"},
	"Proxy-Connection":  {reject: "proxy-connection is not implemented"},
}

// applyHeaders copies h onto r. Names are visited in sorted order so the
// first offending header is reported deterministically.
func applyHeaders(r *http.Request, h http.Header) error {
	for _, name := range slices.Sorted(maps.Keys(h)) {
		key := textproto.CanonicalMIMEHeaderKey(name)
		values := h[name]

		rule, ok := headerRules[key]
		if !ok {
			for _, v := range values {
				r.Header.Add(key, v)
			}
			continue
		}

		if rule.reject != "" {
			return &Error{
				Kind:   KindUnsupportedHeader,
				Header: key,
				Err:    errors.New(rule.reject),
			}
		}

		for _, v := range values {
			if err := rule.apply(r, v); err != nil {
				return &Error{
					Kind:   KindInvalidHeader,
					Header: key,
					Err:    err,
				}
			}
		}
	}

	return nil
}

func setHeader(key string) func(*http.Request, string) error {
	return func(r *http.Request, value string) error {
		r.Header.Set(key, value)
		return nil
	}
}

func setDateHeader(key string) func(*http.Request, string) error {
	return func(r *http.Request, value string) error {
		t, err := http.ParseTime(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parsing http date %q: %w", value, err)
		}

		r.Header.Set(key, t.UTC().Format(http.TimeFormat))

		return nil
	}
}

func applyConnection(r *http.Request, value string) error {
	switch v := strings.TrimSpace(value); {
	case strings.EqualFold(v, "close"):
		r.Close = true
	case strings.EqualFold(v, "keep-alive"):
		r.Close = false
	default:
		r.Header.Set("Connection", v)
	}

	return nil
}

func applyContentLength(r *http.Request, value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing content length %q: %w", value, err)
	}
	if n < 0 {
		return fmt.Errorf("content length %d must not be negative", n)
	}

	r.ContentLength = n

	return nil
}

func applyHost(r *http.Request, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return errors.New("host must not be empty")
	}

	r.Host = v

	return nil
}

func applyTransferEncoding(r *http.Request, value string) error {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "chunked":
		if !slices.Contains(r.TransferEncoding, v) {
			r.TransferEncoding = append(r.TransferEncoding, v)
		}
	case "identity", "":
	default:
		return fmt.Errorf("transfer encoding %q is not supported by the transport", value)
	}

	return nil
}
