package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

type ctxKey int

const proxyKey ctxKey = 1

func withProxyURL(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, proxyKey, u)
}

// ProxyURL is an [http.Transport] Proxy func returning the proxy chosen for
// the dispatch that issued r. It returns nil (direct) for requests that did
// not come from a Dispatcher.
func ProxyURL(r *http.Request) (*url.URL, error) {
	u, _ := r.Context().Value(proxyKey).(*url.URL)
	return u, nil
}

// newTransport builds the default base transport. Compression is left
// enabled; affected runtimes opt out per request by asking for gzip
// explicitly.
func newTransport(tlsConfig *tls.Config) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: ProxyURL,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if _, err := http2.ConfigureTransports(t); err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}

	return t, nil
}
